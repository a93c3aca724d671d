package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"feeledger/internal/core"
	"feeledger/internal/records"
)

// Store keeps classes and students in process memory. It is safe for
// concurrent use; every field write holds the store lock, which gives the
// same per-row atomicity a SQL backend provides.
type Store struct {
	mu       sync.Mutex
	classes  map[string]core.Class
	students map[string]core.Student
}

var _ records.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		classes:  map[string]core.Class{},
		students: map[string]core.Student{},
	}
}

// PutClass inserts or replaces a class.
func (s *Store) PutClass(c core.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[c.ID] = c
}

// PutStudent inserts or replaces a student.
func (s *Store) PutStudent(st core.Student) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.ID] = st
	return nil
}

func (s *Store) GetClass(_ context.Context, id string) (core.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classes[id]
	if !ok {
		return core.Class{}, fmt.Errorf("class %s: %w", id, records.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListClasses(_ context.Context) ([]core.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Class, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetStudent(_ context.Context, id string) (core.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return core.Student{}, fmt.Errorf("student %s: %w", id, records.ErrNotFound)
	}
	return st, nil
}

func (s *Store) ListStudentsByClass(_ context.Context, classID string) ([]core.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Student
	for _, st := range s.students {
		if st.ClassID == classID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RollNumber != out[j].RollNumber {
			return out[i].RollNumber < out[j].RollNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkMonthDue sets the "Dues" marker when the month is unbilled.
func (s *Store) MarkMonthDue(_ context.Context, studentID string, month core.Month) (core.FieldState, error) {
	if !month.Valid() {
		return 0, fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(month))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return 0, fmt.Errorf("student %s: %w", studentID, records.ErrNotFound)
	}
	prior := core.Classify(st.Ledger.Months[month])
	if prior != core.StateUnbilled {
		return prior, nil
	}
	st.Ledger.Months[month] = core.DuesMarker
	s.students[studentID] = st
	return prior, nil
}

// ForceMonthDue overwrites the month with the "Dues" marker.
func (s *Store) ForceMonthDue(_ context.Context, studentID string, month core.Month) error {
	if !month.Valid() {
		return fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(month))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return fmt.Errorf("student %s: %w", studentID, records.ErrNotFound)
	}
	st.Ledger.Months[month] = core.DuesMarker
	s.students[studentID] = st
	return nil
}

// SwapMonthField replaces the raw month value when it still equals old.
func (s *Store) SwapMonthField(_ context.Context, studentID string, month core.Month, old, new string) error {
	if !month.Valid() {
		return fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(month))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return fmt.Errorf("student %s: %w", studentID, records.ErrNotFound)
	}
	if st.Ledger.Months[month] != old {
		return records.ErrConflict
	}
	st.Ledger.Months[month] = new
	s.students[studentID] = st
	return nil
}
