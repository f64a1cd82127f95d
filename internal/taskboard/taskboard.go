// Package taskboard implements the shared task dependency engine. Each
// task is one JSON file under <base>/tasks/<team>/; the blocks and
// blockedBy edges are stored denormalized on both endpoints and every
// mutation runs as a single locked read-validate-mutate-write
// transaction so outside observers never see partial edge updates.
package taskboard

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/fslock"
)

// Store reads and writes task files rooted at BaseDir.
type Store struct {
	BaseDir string
}

// NewStore returns a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

func (s *Store) teamDir(team string) string {
	return filepath.Join(s.BaseDir, "tasks", team)
}

func (s *Store) taskPath(team, id string) string {
	return filepath.Join(s.teamDir(team), id+".json")
}

func (s *Store) lockPath(team string) string {
	return filepath.Join(s.teamDir(team), ".lock")
}

func (s *Store) teamExists(team string) bool {
	_, err := os.Stat(filepath.Join(s.BaseDir, "teams", team, "config.json"))
	return err == nil
}

func readTask(path string) (*domain.TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var task domain.TaskFile
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	if task.Blocks == nil {
		task.Blocks = []string{}
	}
	if task.BlockedBy == nil {
		task.BlockedBy = []string{}
	}
	return &task, nil
}

func writeTask(path string, task *domain.TaskFile) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// numericIDs returns the numeric task ids present in the team dir, in
// ascending order. Non-numeric filenames are ignored.
func (s *Store) numericIDs(team string) ([]int, error) {
	entries, err := os.ReadDir(s.teamDir(team))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		n, err := strconv.Atoi(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Ints(ids)
	return ids, nil
}

// NextID returns max(existing numeric ids)+1, or "1" for an empty team.
// Gaps from deletions are never reused.
func (s *Store) NextID(team string) (string, error) {
	ids, err := s.numericIDs(team)
	if err != nil {
		return "", domain.IOf(err, "scan tasks for team %q", team)
	}
	if len(ids) == 0 {
		return "1", nil
	}
	return strconv.Itoa(ids[len(ids)-1] + 1), nil
}

// Create allocates the next id under the team lock and writes a fresh
// pending task.
func (s *Store) Create(team, subject, description, activeForm string, metadata map[string]any) (*domain.TaskFile, error) {
	if subject == "" {
		return nil, domain.Invalidf("task subject must not be empty")
	}
	if !s.teamExists(team) {
		return nil, domain.NotFoundf("team %q does not exist", team)
	}
	if err := os.MkdirAll(s.teamDir(team), 0o755); err != nil {
		return nil, domain.IOf(err, "create task dir for team %q", team)
	}

	var task *domain.TaskFile
	err := fslock.WithLock(s.lockPath(team), func() error {
		id, err := s.NextID(team)
		if err != nil {
			return err
		}
		task = &domain.TaskFile{
			ID:          id,
			Subject:     subject,
			Description: description,
			ActiveForm:  activeForm,
			Status:      domain.StatusPending,
			Blocks:      []string{},
			BlockedBy:   []string{},
			Metadata:    metadata,
		}
		if err := writeTask(s.taskPath(team, id), task); err != nil {
			return domain.IOf(err, "write task %s for team %q", id, team)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get loads one task.
func (s *Store) Get(team, id string) (*domain.TaskFile, error) {
	task, err := readTask(s.taskPath(team, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NotFoundf("task %q not found in team %q", id, team)
		}
		return nil, domain.IOf(err, "read task %s for team %q", id, team)
	}
	return task, nil
}

// List returns every task sorted by integer id.
func (s *Store) List(team string) ([]*domain.TaskFile, error) {
	if !s.teamExists(team) {
		return nil, domain.NotFoundf("team %q does not exist", team)
	}
	ids, err := s.numericIDs(team)
	if err != nil {
		return nil, domain.IOf(err, "scan tasks for team %q", team)
	}
	tasks := make([]*domain.TaskFile, 0, len(ids))
	for _, n := range ids {
		task, err := s.Get(team, strconv.Itoa(n))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// UpdateRequest carries the requested changes for one Update call. Nil
// pointer fields are left unchanged; an empty Status means no status
// change.
type UpdateRequest struct {
	Subject      *string
	Description  *string
	ActiveForm   *string
	Owner        *string
	Status       string
	AddBlocks    []string
	AddBlockedBy []string
	Metadata     map[string]any
}

// Update runs the four-phase transaction under the team lock: read the
// task, validate every requested change against disk state plus the
// request's own pending edges, mutate in memory (staging sibling
// updates), then write. A deleted task flushes its sibling updates
// before the file is unlinked.
func (s *Store) Update(team, id string, req UpdateRequest) (*domain.TaskFile, error) {
	var task *domain.TaskFile
	err := fslock.WithLock(s.lockPath(team), func() error {
		var err error
		task, err = s.readForUpdate(team, id)
		if err != nil {
			return err
		}

		if err := s.validate(team, id, task, req); err != nil {
			return err
		}

		staged := make(map[string]*domain.TaskFile)
		s.mutate(team, id, task, req, staged)

		if req.Status == domain.StatusDeleted {
			if err := s.flushStaged(staged); err != nil {
				return err
			}
			if err := os.Remove(s.taskPath(team, id)); err != nil {
				return domain.IOf(err, "unlink task %s for team %q", id, team)
			}
			return nil
		}
		if err := writeTask(s.taskPath(team, id), task); err != nil {
			return domain.IOf(err, "write task %s for team %q", id, team)
		}
		return s.flushStaged(staged)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) readForUpdate(team, id string) (*domain.TaskFile, error) {
	task, err := readTask(s.taskPath(team, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NotFoundf("task %q not found in team %q", id, team)
		}
		return nil, domain.IOf(err, "read task %s for team %q", id, team)
	}
	return task, nil
}

// validate checks the whole request against disk state plus the
// pending blocked_by edges the request itself would add, without
// writing anything.
func (s *Store) validate(team, id string, task *domain.TaskFile, req UpdateRequest) error {
	pending := make(map[string][]string)

	checkRefs := func(refs []string, relation string) error {
		for _, b := range refs {
			if b == id {
				return domain.Preconditionf("task %s cannot %s itself", id, relation)
			}
			if _, err := os.Stat(s.taskPath(team, b)); err != nil {
				return domain.NotFoundf("referenced task %q does not exist", b)
			}
		}
		return nil
	}
	if err := checkRefs(req.AddBlocks, "block"); err != nil {
		return err
	}
	if err := checkRefs(req.AddBlockedBy, "be blocked by"); err != nil {
		return err
	}
	for _, b := range req.AddBlocks {
		pending[b] = append(pending[b], id)
	}
	for _, b := range req.AddBlockedBy {
		pending[id] = append(pending[id], b)
	}

	for _, b := range req.AddBlocks {
		cyclic, err := s.wouldCreateCycle(team, b, id, pending)
		if err != nil {
			return err
		}
		if cyclic {
			return domain.Preconditionf("adding block %s -> %s would create a circular dependency", id, b)
		}
	}
	for _, b := range req.AddBlockedBy {
		cyclic, err := s.wouldCreateCycle(team, id, b, pending)
		if err != nil {
			return err
		}
		if cyclic {
			return domain.Preconditionf("adding dependency %s blocked_by %s would create a circular dependency", id, b)
		}
	}

	if req.Status != "" && req.Status != domain.StatusDeleted {
		newRank := domain.StatusRank(req.Status)
		if newRank < 0 {
			return domain.Invalidf("invalid status: %q", req.Status)
		}
		if newRank < domain.StatusRank(task.Status) {
			return domain.Preconditionf("cannot transition from %q to %q", task.Status, req.Status)
		}
		if req.Status == domain.StatusInProgress || req.Status == domain.StatusCompleted {
			blockers := make(map[string]bool, len(task.BlockedBy)+len(req.AddBlockedBy))
			for _, b := range task.BlockedBy {
				blockers[b] = true
			}
			for _, b := range req.AddBlockedBy {
				blockers[b] = true
			}
			for b := range blockers {
				blocker, err := readTask(s.taskPath(team, b))
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					return domain.IOf(err, "read blocker %s for team %q", b, team)
				}
				if blocker.Status != domain.StatusCompleted {
					return domain.Preconditionf(
						"cannot set status to %q: blocked by task %s (status: %q)",
						req.Status, b, blocker.Status)
				}
			}
		}
	}

	return nil
}

// wouldCreateCycle reports whether making fromID blocked_by toID would
// close a cycle: breadth-first walk from toID through blocked_by edges
// (on-disk plus pending) looking for fromID.
func (s *Store) wouldCreateCycle(team, fromID, toID string, pending map[string][]string) (bool, error) {
	visited := make(map[string]bool)
	queue := []string{toID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == fromID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		if task, err := readTask(s.taskPath(team, current)); err == nil {
			for _, d := range task.BlockedBy {
				if !visited[d] {
					queue = append(queue, d)
				}
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, domain.IOf(err, "read task %s for team %q", current, team)
		}
		for _, d := range pending[current] {
			if !visited[d] {
				queue = append(queue, d)
			}
		}
	}
	return false, nil
}

// mutate applies the validated request to task in memory and stages
// sibling rewrites in staged, keyed by file path.
func (s *Store) mutate(team, id string, task *domain.TaskFile, req UpdateRequest, staged map[string]*domain.TaskFile) {
	if req.Subject != nil {
		task.Subject = *req.Subject
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.ActiveForm != nil {
		task.ActiveForm = *req.ActiveForm
	}
	if req.Owner != nil {
		owner := *req.Owner
		task.Owner = &owner
	}

	loadStaged := func(otherID string) *domain.TaskFile {
		path := s.taskPath(team, otherID)
		if t, ok := staged[path]; ok {
			return t
		}
		t, err := readTask(path)
		if err != nil {
			return nil
		}
		staged[path] = t
		return t
	}

	for _, b := range req.AddBlocks {
		if !contains(task.Blocks, b) {
			task.Blocks = append(task.Blocks, b)
		}
		if other := loadStaged(b); other != nil && !contains(other.BlockedBy, id) {
			other.BlockedBy = append(other.BlockedBy, id)
		}
	}
	for _, b := range req.AddBlockedBy {
		if !contains(task.BlockedBy, b) {
			task.BlockedBy = append(task.BlockedBy, b)
		}
		if other := loadStaged(b); other != nil && !contains(other.Blocks, id) {
			other.Blocks = append(other.Blocks, id)
		}
	}

	if req.Metadata != nil {
		merged := task.Metadata
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range req.Metadata {
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = v
			}
		}
		if len(merged) == 0 {
			merged = nil
		}
		task.Metadata = merged
	}

	switch req.Status {
	case "":
	case domain.StatusDeleted:
		task.Status = domain.StatusDeleted
		s.stripFromSiblings(team, id, staged, true)
	default:
		task.Status = req.Status
		if req.Status == domain.StatusCompleted {
			s.stripFromSiblings(team, id, staged, false)
		}
	}
}

// stripFromSiblings removes id from every other task's blockedBy (and
// blocks too, when both is set), staging the rewrites.
func (s *Store) stripFromSiblings(team, id string, staged map[string]*domain.TaskFile, both bool) {
	ids, err := s.numericIDs(team)
	if err != nil {
		return
	}
	for _, n := range ids {
		otherID := strconv.Itoa(n)
		if otherID == id {
			continue
		}
		path := s.taskPath(team, otherID)
		other, ok := staged[path]
		if !ok {
			other, err = readTask(path)
			if err != nil {
				continue
			}
		}
		changed := false
		if contains(other.BlockedBy, id) {
			other.BlockedBy = remove(other.BlockedBy, id)
			changed = true
		}
		if both && contains(other.Blocks, id) {
			other.Blocks = remove(other.Blocks, id)
			changed = true
		}
		if changed || ok {
			staged[path] = other
		}
	}
}

func (s *Store) flushStaged(staged map[string]*domain.TaskFile) error {
	for path, task := range staged {
		if err := writeTask(path, task); err != nil {
			return domain.IOf(err, "write staged task %s", path)
		}
	}
	return nil
}

// ResetOwnerTasks clears ownership for every task owned by agent; any
// such task that is not completed reverts to pending. Runs under the
// team lock.
func (s *Store) ResetOwnerTasks(team, agent string) error {
	return fslock.WithLock(s.lockPath(team), func() error {
		ids, err := s.numericIDs(team)
		if err != nil {
			return domain.IOf(err, "scan tasks for team %q", team)
		}
		for _, n := range ids {
			id := strconv.Itoa(n)
			path := s.taskPath(team, id)
			task, err := readTask(path)
			if err != nil {
				continue
			}
			if task.Owner == nil || *task.Owner != agent {
				continue
			}
			if task.Status != domain.StatusCompleted {
				task.Status = domain.StatusPending
			}
			task.Owner = nil
			if err := writeTask(path, task); err != nil {
				return domain.IOf(err, "write task %s for team %q", id, team)
			}
		}
		return nil
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
