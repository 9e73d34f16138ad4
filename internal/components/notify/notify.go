// Package notify delivers the messages plugins post after a run.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind mirrors the categories a user can filter notifications on.
type Kind string

const (
	// KindSiteMessage is used for the result of a site sign-in.
	KindSiteMessage Kind = "site_message"
	// KindPlugin is used for everything else a plugin reports (monitors, DNS updates).
	KindPlugin Kind = "plugin"
)

type Message struct {
	Kind   Kind   `json:"kind"`
	Plugin string `json:"plugin"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Notifier posts a message somewhere a human will read it.
type Notifier interface {
	Post(ctx context.Context, msg Message) error
}

// Multi posts to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Post(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		err := n.Post(ctx, msg)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps posted messages in memory.
type Recorder struct {
	mutex    sync.Mutex
	messages []Message
}

func (r *Recorder) Post(_ context.Context, msg Message) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Message(nil), r.messages...)
}

func wrapPost(kind string, err error) error {
	return fmt.Errorf("notify %s: %w", kind, err)
}
