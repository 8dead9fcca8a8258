package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/lock"
	"formline/internal/repo"
)

// Engine owns the lifecycle of question and program definitions.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locks  lock.Locker
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, locks lock.Locker, log *slog.Logger) Engine {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Locks:  locks,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func lockKey(kind repo.Kind, name string) string {
	return string(kind) + ":" + name
}

func (e Engine) lock(ctx context.Context, keys ...string) (lock.Unlock, error) {
	locks := e.Locks
	if locks == nil {
		return nil, errors.New("engine has no locker")
	}
	return lock.LockAll(ctx, locks, keys...)
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

func validName(field, name string, ve *domain.ValidationError) {
	if !namePattern.MatchString(name) {
		ve.Add(field, "must start with a lowercase letter and contain only lowercase letters, digits, '-' or '_' (max 64)")
	}
}

// nextDraftVersion is the createDraft transition: refused while a draft exists.
func nextDraftVersion(kind repo.Kind, name string, rows []repo.VersionRow) (int, error) {
	if _, ok := repo.ByState(rows)[domain.StateDraft]; ok {
		return 0, domain.AlreadyExistsError{Kind: string(kind), Name: name}
	}
	return repo.MaxVersion(rows) + 1, nil
}

// editableDraft is the updateDraft transition: only a draft may change.
func editableDraft(kind repo.Kind, name string, rows []repo.VersionRow) (repo.VersionRow, error) {
	if len(rows) == 0 {
		return repo.VersionRow{}, domain.NotFoundError{Kind: string(kind), Name: name}
	}
	states := repo.ByState(rows)
	if d, ok := states[domain.StateDraft]; ok {
		return d, nil
	}
	state := domain.StateObsolete
	if _, ok := states[domain.StateActive]; ok {
		state = domain.StateActive
	}
	return repo.VersionRow{}, domain.ImmutableError{Kind: string(kind), Name: name, State: string(state)}
}

// activeForNewVersion is the createNewVersion transition: copies the active
// version into version max+1.
func activeForNewVersion(kind repo.Kind, name string, rows []repo.VersionRow) (repo.VersionRow, int, error) {
	if len(rows) == 0 {
		return repo.VersionRow{}, 0, domain.NotFoundError{Kind: string(kind), Name: name}
	}
	states := repo.ByState(rows)
	if _, ok := states[domain.StateDraft]; ok {
		return repo.VersionRow{}, 0, domain.AlreadyExistsError{Kind: string(kind), Name: name}
	}
	active, ok := states[domain.StateActive]
	if !ok {
		return repo.VersionRow{}, 0, domain.NoActiveVersionError{Kind: string(kind), Name: name}
	}
	return active, repo.MaxVersion(rows) + 1, nil
}

func notFound(err error, kind repo.Kind, name string, sel repo.Selector) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Kind: string(kind), Name: name, Version: sel.String()}
	}
	return err
}
