package backend

import (
	"context"
	"sync"
)

// Fake is a scripted API that records every call.
type Fake struct {
	mu sync.Mutex

	// Scripted results.
	Registration Registration
	Account      Account
	Commands     []Command // returned once, then cleared

	RegisterErr error
	ReadingErr  error
	PollErr     error
	AckErr      error

	// Recorded calls.
	Registers []string // tokens
	Readings  []Reading
	Polls     []string
	Acks      []Ack
	Token     string
}

// NewFake creates a fake that registers every token as meter "M-1".
func NewFake() *Fake {
	return &Fake{
		Registration: Registration{MeterID: "M-1", Token: "tok-1"},
	}
}

func (f *Fake) Register(ctx context.Context, token, deviceID string) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registers = append(f.Registers, token)
	if f.RegisterErr != nil {
		return Registration{}, f.RegisterErr
	}
	return f.Registration, nil
}

func (f *Fake) SubmitReading(ctx context.Context, r Reading) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Readings = append(f.Readings, r)
	if f.ReadingErr != nil {
		return Account{}, f.ReadingErr
	}
	return f.Account, nil
}

func (f *Fake) PollCommands(ctx context.Context, meterID string) ([]Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Polls = append(f.Polls, meterID)
	if f.PollErr != nil {
		return nil, f.PollErr
	}
	cmds := f.Commands
	f.Commands = nil
	return cmds, nil
}

func (f *Fake) AckCommand(ctx context.Context, a Ack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Acks = append(f.Acks, a)
	return f.AckErr
}

func (f *Fake) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Token = token
}

// QueueCommands adds commands for the next poll.
func (f *Fake) QueueCommands(cmds ...Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmds...)
}

var _ API = (*Fake)(nil)
