// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"libracirc/internal/apperr"
	"libracirc/internal/journal"
	"libracirc/internal/web"
)

const maxLibraryIDAttempts = 16

// service implements the Service interface.
type service struct {
	mu          sync.RWMutex
	members     map[int64]*Member
	byLibraryID map[string]int64
	byUserRef   map[string]int64
	nextID      int64

	rateLimiter  *rate.Limiter
	defaultMax   int
	now          func() time.Time
	newLibraryID func() string
	validate     *validator.Validate
	journal      *journal.Recorder
}

// Option configures the member directory.
type Option func(*service)

// WithRegistrationLimit caps how fast members can be registered.
func WithRegistrationLimit(every time.Duration, burst int) Option {
	return func(s *service) {
		s.rateLimiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithDefaultMaxLoans sets the loan limit given to members registered
// without one.
func WithDefaultMaxLoans(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.defaultMax = n
		}
	}
}

// WithJournal records registrations.
func WithJournal(rec *journal.Recorder) Option {
	return func(s *service) {
		s.journal = rec
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithLibraryIDGenerator replaces the library id source.
func WithLibraryIDGenerator(gen func() string) Option {
	return func(s *service) {
		s.newLibraryID = gen
	}
}

// NewService creates a new member directory instance.
func NewService(opts ...Option) Service {
	s := &service{
		members:      make(map[int64]*Member),
		byLibraryID:  make(map[string]int64),
		byUserRef:    make(map[string]int64),
		defaultMax:   DefaultMaxActiveLoans,
		now:          time.Now,
		newLibraryID: generateLibraryID,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generateLibraryID() string {
	return "LIB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Register creates a new member. A blank library id is generated.
func (s *service) Register(ctx context.Context, fields NewMember) (*Member, error) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		return nil, fmt.Errorf("member registration: %w", apperr.ErrRateLimited)
	}

	fields.UserRef = strings.TrimSpace(fields.UserRef)
	fields.Name = strings.TrimSpace(fields.Name)
	fields.LibraryID = strings.TrimSpace(fields.LibraryID)
	if err := s.validate.StructCtx(ctx, fields); err != nil {
		return nil, web.ValidationError("member", err)
	}
	if fields.MaxActiveLoans == 0 {
		fields.MaxActiveLoans = s.defaultMax
	}

	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUserRef[fields.UserRef]; taken {
		return nil, fmt.Errorf("user %s is already a member: %w", fields.UserRef, apperr.ErrConflict)
	}

	libraryID := fields.LibraryID
	if libraryID == "" {
		for i := 0; i < maxLibraryIDAttempts && libraryID == ""; i++ {
			candidate := s.newLibraryID()
			if _, taken := s.byLibraryID[candidate]; !taken {
				libraryID = candidate
			}
		}
		if libraryID == "" {
			return nil, errors.New("failed to generate a unique library id")
		}
	} else if _, taken := s.byLibraryID[libraryID]; taken {
		return nil, fmt.Errorf("library id %s is taken: %w", libraryID, apperr.ErrConflict)
	}

	s.nextID++
	member := &Member{
		ID:             s.nextID,
		UserRef:        fields.UserRef,
		Name:           fields.Name,
		LibraryID:      libraryID,
		MaxActiveLoans: fields.MaxActiveLoans,
		CreatedAt:      s.now().UTC(),
	}
	s.index(member)
	batch.Add(s.journal.Stage(ctx, journal.AggregateMember, member.ID, 1, "MemberRegistered", RegisteredEvent{
		MemberID:       member.ID,
		UserRef:        member.UserRef,
		Name:           member.Name,
		LibraryID:      member.LibraryID,
		MaxActiveLoans: member.MaxActiveLoans,
	}))

	out := *member
	return &out, nil
}

// index must be called with s.mu held.
func (s *service) index(member *Member) {
	s.members[member.ID] = member
	s.byLibraryID[member.LibraryID] = member.ID
	s.byUserRef[member.UserRef] = member.ID
}

// Apply rebuilds the directory from the journal.
func (s *service) Apply(_ context.Context, event journal.Event) error {
	if event.AggregateType != journal.AggregateMember {
		return nil
	}
	if event.EventType != "MemberRegistered" {
		return fmt.Errorf("unknown member event %q", event.EventType)
	}

	var e RegisteredEvent
	if err := journal.Decode(event, &e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[e.MemberID]; exists {
		return fmt.Errorf("member %d registered twice: %w", e.MemberID, apperr.ErrConflict)
	}
	s.index(&Member{
		ID:             e.MemberID,
		UserRef:        e.UserRef,
		Name:           e.Name,
		LibraryID:      e.LibraryID,
		MaxActiveLoans: e.MaxActiveLoans,
		CreatedAt:      event.OccurredAt,
	})
	s.nextID = max(s.nextID, e.MemberID)
	return nil
}

// Get retrieves a member by their ID.
func (s *service) Get(_ context.Context, id int64) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	member, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("member with ID %d: %w", id, apperr.ErrNotFound)
	}
	out := *member
	return &out, nil
}

// GetByLibraryID resolves the human-assigned library id.
func (s *service) GetByLibraryID(_ context.Context, libraryID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLibraryID[strings.TrimSpace(libraryID)]
	if !ok {
		return nil, fmt.Errorf("member with library ID %q: %w", libraryID, apperr.ErrNotFound)
	}
	out := *s.members[id]
	return &out, nil
}

// List returns every member ordered by id.
func (s *service) List(_ context.Context) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		out := *m
		members = append(members, &out)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
