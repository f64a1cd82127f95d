// Package inbox implements per-agent message inboxes: ordered JSON
// arrays on disk, appended by senders and read-and-marked by their
// single recipient. All mutation happens under the team's inbox lock.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/fslock"
)

const defaultPollSlice = 500 * time.Millisecond

// Store reads and writes inboxes under <base>/teams/<team>/inboxes.
type Store struct {
	BaseDir string
	// PollSlice bounds how long Wait sleeps between inbox re-reads.
	// Zero means the 500ms default.
	PollSlice time.Duration
}

// NewStore returns a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// Path returns the inbox file for one agent.
func (s *Store) Path(team, agent string) string {
	return filepath.Join(s.BaseDir, "teams", team, "inboxes", agent+".json")
}

func (s *Store) lockPath(team string) string {
	return filepath.Join(s.BaseDir, "teams", team, "inboxes", ".lock")
}

// Ensure creates the inbox file with an empty array if it does not
// exist. Idempotent.
func (s *Store) Ensure(team, agent string) (string, error) {
	path := s.Path(team, agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.IOf(err, "create inbox dir for team %q", team)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return "", domain.IOf(err, "initialize inbox for %q", agent)
		}
	}
	return path, nil
}

func loadMessages(path string) ([]domain.InboxMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []domain.InboxMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func storeMessages(path string, msgs []domain.InboxMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Read returns the agent's messages. With markAsRead, every message
// contained in the result is flipped to read under the inbox lock and
// the file is rewritten only when the result is non-empty; the returned
// slice reflects the state observed before the flip. Without
// markAsRead, the read takes no lock. A missing inbox reads as empty.
func (s *Store) Read(team, agent string, unreadOnly, markAsRead bool) ([]domain.InboxMessage, error) {
	path := s.Path(team, agent)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return []domain.InboxMessage{}, nil
	}

	if !markAsRead {
		msgs, err := loadMessages(path)
		if err != nil {
			return nil, domain.IOf(err, "read inbox for %q", agent)
		}
		return filterUnread(msgs, unreadOnly), nil
	}

	var result []domain.InboxMessage
	err := fslock.WithLock(s.lockPath(team), func() error {
		msgs, err := loadMessages(path)
		if err != nil {
			return domain.IOf(err, "read inbox for %q", agent)
		}
		result = filterUnread(msgs, unreadOnly)
		if len(result) == 0 {
			return nil
		}
		// Flip exactly the returned messages. When unreadOnly is
		// false this re-flips already-read entries, a deliberate
		// no-op kept for compatibility.
		for i := range msgs {
			if !unreadOnly || !msgs[i].Read {
				msgs[i].Read = true
			}
		}
		if err := storeMessages(path, msgs); err != nil {
			return domain.IOf(err, "rewrite inbox for %q", agent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func filterUnread(msgs []domain.InboxMessage, unreadOnly bool) []domain.InboxMessage {
	if !unreadOnly {
		out := make([]domain.InboxMessage, len(msgs))
		copy(out, msgs)
		return out
	}
	out := []domain.InboxMessage{}
	for _, m := range msgs {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

// Append adds a message to the agent's inbox under the inbox lock,
// creating the inbox if needed.
func (s *Store) Append(team, agent string, msg domain.InboxMessage) error {
	path, err := s.Ensure(team, agent)
	if err != nil {
		return err
	}
	return fslock.WithLock(s.lockPath(team), func() error {
		msgs, err := loadMessages(path)
		if err != nil {
			return domain.IOf(err, "read inbox for %q", agent)
		}
		msgs = append(msgs, msg)
		if err := storeMessages(path, msgs); err != nil {
			return domain.IOf(err, "rewrite inbox for %q", agent)
		}
		return nil
	})
}

// SendPlain appends a free-form message.
func (s *Store) SendPlain(team, from, to, text, summary, color string) error {
	return s.Append(team, to, domain.InboxMessage{
		From:      from,
		Text:      text,
		Timestamp: domain.NowISO(),
		Summary:   summary,
		Color:     color,
	})
}

// SendStructured serializes payload to JSON and appends it as the
// message text.
func (s *Store) SendStructured(team, from, to string, payload any, color string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.IOf(err, "encode payload for %q", to)
	}
	return s.Append(team, to, domain.InboxMessage{
		From:      from,
		Text:      string(data),
		Timestamp: domain.NowISO(),
		Color:     color,
	})
}

// SendTaskAssignment notifies the task owner of an assignment.
func (s *Store) SendTaskAssignment(team string, task *domain.TaskFile, assignedBy string) error {
	if task.Owner == nil {
		return domain.Invalidf("task %q has no owner to notify", task.ID)
	}
	return s.SendStructured(team, assignedBy, *task.Owner, domain.TaskAssignment{
		Type:        "task_assignment",
		TaskID:      task.ID,
		Subject:     task.Subject,
		Description: task.Description,
		AssignedBy:  assignedBy,
		Timestamp:   domain.NowISO(),
	}, "")
}

// SendShutdownRequest asks recipient to shut down and returns the
// request id, of the form shutdown-<ms-epoch>@<recipient>.
func (s *Store) SendShutdownRequest(team, recipient, reason string) (string, error) {
	requestID := fmt.Sprintf("shutdown-%d@%s", domain.NowMillis(), recipient)
	err := s.SendStructured(team, domain.LeadName, recipient, domain.ShutdownRequest{
		Type:      "shutdown_request",
		RequestID: requestID,
		From:      domain.LeadName,
		Reason:    reason,
		Timestamp: domain.NowISO(),
	}, "")
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// SendIdleNotification tells the lead that an agent has gone idle.
func (s *Store) SendIdleNotification(team, from, idleReason string) error {
	if idleReason == "" {
		idleReason = "available"
	}
	return s.SendStructured(team, from, domain.LeadName, domain.IdleNotification{
		Type:       "idle_notification",
		From:       from,
		Timestamp:  domain.NowISO(),
		IdleReason: idleReason,
	}, "")
}

// Wait returns the agent's unread messages, marking them read. While
// the inbox is empty it sleeps in PollSlice increments until timeout,
// waking early on filesystem events for the inbox directory. The poll
// remains the contract: fsnotify is an accelerator and its failures
// degrade silently to pure polling. Caller cancellation aborts the
// loop.
func (s *Store) Wait(ctx context.Context, team, agent string, timeout time.Duration) ([]domain.InboxMessage, error) {
	msgs, err := s.Read(team, agent, true, true)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil
	}

	slice := s.PollSlice
	if slice <= 0 {
		slice = defaultPollSlice
	}
	deadline := time.Now().Add(timeout)

	var events chan fsnotify.Event
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(s.Path(team, agent))); werr == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(slice)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
		msgs, err = s.Read(team, agent, true, true)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return []domain.InboxMessage{}, nil
}
