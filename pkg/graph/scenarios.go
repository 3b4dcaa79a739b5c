package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/handler"
	"github.com/Sternrassler/graph-batch-client/pkg/pagination"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxPageSize is the largest $top the directory collections accept.
const MaxPageSize = 999

// Scenarios runs bulk retrievals through a dispatcher.
type Scenarios struct {
	sub     handler.Submitter
	builder *request.Builder
	logger  zerolog.Logger
}

// NewScenarios creates scenarios submitting to sub. Requests are built
// against baseURL, which must match the dispatcher's base URL.
func NewScenarios(sub handler.Submitter, baseURL string, logger *zerolog.Logger) *Scenarios {
	l := log.With().Str("component", "scenarios").Logger()
	if logger != nil {
		l = *logger
	}
	return &Scenarios{
		sub:     sub,
		builder: request.NewBuilder(baseURL),
		logger:  l,
	}
}

// Builder returns the request builder used by the scenarios.
func (s *Scenarios) Builder() *request.Builder { return s.builder }

// AllUsers fetches every user, split into one continuation stream per
// userPrincipalName range.
func (s *Scenarios) AllUsers(ctx context.Context) (*handler.Query[User], error) {
	return rangedCollection[User](ctx, s, "users", "/users", "userPrincipalName")
}

// AllGroups fetches every group, split by mailNickname range.
func (s *Scenarios) AllGroups(ctx context.Context) (*handler.Query[Group], error) {
	return rangedCollection[Group](ctx, s, "groups", "/groups", "mailNickname")
}

// GroupsWithMembers fetches every group and emits each one with its
// complete member list. Member requests start while groups are still
// arriving.
func (s *Scenarios) GroupsWithMembers(ctx context.Context) (*handler.Query[Group], error) {
	groups, err := s.AllGroups(ctx)
	if err != nil {
		return nil, err
	}

	out := handler.NewQuery[Group](s.sub, "groups-with-members", nil, handler.IgnoreStatus(http.StatusNotFound))
	go feed(ctx, s, groups, out, func(g Group) (handler.Constructor[Group], *request.Query) {
		ctor := handler.NestedConstructor(g, AttachMembers, handler.CollectionConstructor[DirectoryObject]())
		return ctor, s.builder.Resource("/groups/" + url.PathEscape(g.ID) + "/members").Top(MaxPageSize)
	})
	return out, nil
}

// GroupMembers fetches every member of one group.
func (s *Scenarios) GroupMembers(ctx context.Context, groupID string) (*handler.Query[DirectoryObject], error) {
	q := handler.NewQuery(s.sub, "group-members", handler.CollectionConstructor[DirectoryObject]())
	defer q.Close()

	req, err := s.builder.Resource("/groups/" + url.PathEscape(groupID) + "/members").Top(MaxPageSize).Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.Submit(req); err != nil {
		return nil, err
	}
	return q, nil
}

// UsersWithMessages fetches every user and emits each one with its
// complete mailbox. Users without a mailbox are emitted with none.
func (s *Scenarios) UsersWithMessages(ctx context.Context) (*handler.Query[User], error) {
	users, err := s.AllUsers(ctx)
	if err != nil {
		return nil, err
	}

	out := handler.NewQuery[User](s.sub, "users-with-messages", nil, handler.IgnoreStatus(http.StatusNotFound))
	go feed(ctx, s, users, out, func(u User) (handler.Constructor[User], *request.Query) {
		ctor := handler.NestedConstructor(u, AttachMessages, handler.CollectionConstructor[Message]())
		return ctor, s.builder.Resource("/users/" + url.PathEscape(u.ID) + "/messages").Top(MaxPageSize)
	})
	return out, nil
}

// UserMessages fetches one mailbox with concurrent $skip windows.
func (s *Scenarios) UserMessages(ctx context.Context, userID string) (*handler.Query[Message], error) {
	q := handler.NewQuery(s.sub, "messages", handler.PartitioningConstructor[Message]())
	defer q.Close()

	req, err := s.builder.Resource("/users/" + url.PathEscape(userID) + "/messages").Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.Submit(req); err != nil {
		return nil, err
	}
	return q, nil
}

// MessagesReceivedBetween fetches the messages of one mailbox received in
// [start, end), split into at most streams date ranges followed in
// parallel.
func (s *Scenarios) MessagesReceivedBetween(ctx context.Context, userID string, start, end time.Time, streams int) (*handler.Query[Message], error) {
	q := handler.NewQuery(s.sub, "messages-by-date", handler.CollectionConstructor[Message]())
	defer q.Close()

	ranges := pagination.DateRanges("receivedDateTime", start, end, streams)
	for _, f := range ranges {
		req, err := s.builder.Resource("/users/" + url.PathEscape(userID) + "/messages").
			Filter(f).
			Top(MaxPageSize).
			Get(ctx)
		if err != nil {
			return nil, err
		}
		if err := q.Submit(req); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Devices fetches every device with the fields the device report uses.
func (s *Scenarios) Devices(ctx context.Context) (*handler.Query[Device], error) {
	q := handler.NewQuery(s.sub, "devices", handler.CollectionConstructor[Device]())
	defer q.Close()

	req, err := s.builder.Resource("/devices").
		Select("operatingSystem", "isManaged", "isCompliant").
		Top(MaxPageSize).
		Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.Submit(req); err != nil {
		return nil, err
	}
	return q, nil
}

// FetchOptions configures Fetch.
type FetchOptions struct {
	Kind   handler.Kind
	Filter string
	Select []string
	Top    int

	// FilterRanges splits the collection into one stream per
	// alphanumeric range of the named property.
	FilterRanges string

	Partitions int
	PageSize   int
}

// Fetch retrieves an arbitrary collection as raw JSON elements.
func (s *Scenarios) Fetch(ctx context.Context, path string, opts FetchOptions) (*handler.Query[json.RawMessage], error) {
	kind := opts.Kind
	if kind == "" {
		kind = handler.KindCollection
	}
	ctor, err := handler.StandardRegistry[json.RawMessage]().Lookup(kind)
	if err != nil {
		return nil, err
	}

	var hopts []handler.Option
	if opts.Partitions > 0 || opts.PageSize > 0 {
		hopts = append(hopts, handler.WithPartitions(opts.Partitions, opts.PageSize))
	}
	q := handler.NewQuery(s.sub, path, ctor, hopts...)
	defer q.Close()

	filters := []string{opts.Filter}
	if opts.FilterRanges != "" {
		filters = filters[:0]
		for _, r := range pagination.AlphaNumRanges(opts.FilterRanges) {
			if opts.Filter != "" {
				r = fmt.Sprintf("(%s) and (%s)", opts.Filter, r)
			}
			filters = append(filters, r)
		}
	}

	for _, f := range filters {
		rq := s.builder.Resource(path)
		if f != "" {
			rq.Filter(f)
		}
		if len(opts.Select) > 0 {
			rq.Select(opts.Select...)
		}
		if opts.Top > 0 {
			rq.Top(opts.Top)
		}
		req, err := rq.Get(ctx)
		if err != nil {
			return nil, err
		}
		if err := q.Submit(req); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("path", path).
		Str("kind", string(kind)).
		Int("streams", len(filters)).
		Msg("Fetch submitted")
	return q, nil
}

func rangedCollection[T any](ctx context.Context, s *Scenarios, name, path, property string) (*handler.Query[T], error) {
	q := handler.NewQuery(s.sub, name, handler.CollectionConstructor[T]())
	defer q.Close()

	ranges := pagination.AlphaNumRanges(property)
	for _, f := range ranges {
		req, err := s.builder.Resource(path).Top(MaxPageSize).Filter(f).Get(ctx)
		if err != nil {
			return nil, err
		}
		if err := q.Submit(req); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("path", path).
		Int("streams", len(ranges)).
		Msg("Collection submitted")
	return q, nil
}

// feed submits one nested handler per parent as parents arrive and closes
// out when the parent stream ends. A parent stream failure fails out.
func feed[P any](ctx context.Context, s *Scenarios, parents *handler.Query[P], out *handler.Query[P], next func(P) (handler.Constructor[P], *request.Query)) {
	defer out.Close()

	n := 0
	for p, err := range parents.All(ctx) {
		if err != nil {
			out.Results().Fail(err)
			return
		}
		ctor, rq := next(p)
		req, err := rq.Get(ctx)
		if err != nil {
			out.Results().Fail(err)
			return
		}
		if err := out.SubmitWith(ctor, req); err != nil {
			out.Results().Fail(err)
			return
		}
		n++
	}

	s.logger.Debug().
		Str("stream", out.Results().Name()).
		Int("parents", n).
		Msg("All nested requests submitted")
}
