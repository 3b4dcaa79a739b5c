package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/graph-batch-client/pkg/handler"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
)

// ErrNoDeltaLink is returned when a delta round ends without a delta link.
var ErrNoDeltaLink = errors.New("delta response carried no delta link")

// UserSnapshot is the merged state of the user collection and the delta
// link that returns changes made after it.
type UserSnapshot struct {
	Users     map[string]User
	DeltaLink string
}

// UsersDelta builds the current user state without paging through the
// delta endpoint. It takes the latest delta token first, downloads every
// user with the ranged scan, then applies the changes made since the
// token was taken.
func (s *Scenarios) UsersDelta(ctx context.Context) (*UserSnapshot, error) {
	req, err := s.builder.Resource("/users/delta").Param("$deltatoken", "latest").Get(ctx)
	if err != nil {
		return nil, err
	}
	_, link, err := s.deltaRound(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("latest delta token: %w", err)
	}

	users, err := s.AllUsers(ctx)
	if err != nil {
		return nil, err
	}
	all, err := users.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("user scan: %w", err)
	}
	state := make(map[string]User, len(all))
	for _, u := range all {
		state[u.ID] = u
	}

	changes, next, err := s.UsersChangedSince(ctx, link)
	if err != nil {
		return nil, err
	}
	ApplyUserChanges(state, changes)

	s.logger.Info().
		Int("users", len(state)).
		Int("changes", len(changes)).
		Msg("User delta snapshot complete")
	return &UserSnapshot{Users: state, DeltaLink: next}, nil
}

// UsersChangedSince follows deltaLink to its end and returns the changed
// users with the delta link for the next round.
func (s *Scenarios) UsersChangedSince(ctx context.Context, deltaLink string) ([]User, string, error) {
	req, err := request.New(ctx, http.MethodGet, deltaLink, nil)
	if err != nil {
		return nil, "", err
	}
	changes, next, err := s.deltaRound(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("user changes: %w", err)
	}
	return changes, next, nil
}

// ApplyUserChanges merges delta entries into state. Removed users are
// deleted; every other entry replaces the stored user.
func ApplyUserChanges(state map[string]User, changes []User) {
	for _, c := range changes {
		if c.Removed != nil {
			delete(state, c.ID)
			continue
		}
		state[c.ID] = c
	}
}

func (s *Scenarios) deltaRound(ctx context.Context, req *http.Request) ([]User, string, error) {
	q := handler.NewQuery(s.sub, "users-delta", handler.CollectionConstructor[User]())
	if err := q.Submit(req); err != nil {
		q.Close()
		return nil, "", err
	}
	q.Close()

	users, err := q.Collect(ctx)
	if err != nil {
		return nil, "", err
	}
	link := q.DeltaLink()
	if link == "" {
		return nil, "", ErrNoDeltaLink
	}
	return users, link, nil
}
