package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/habedi/trackr/pkg/pool"
	"github.com/rs/zerolog/log"
)

// API wraps a Gateway with typed calls to the tracker endpoints.
type API struct {
	Gateway *Gateway
}

// NewAPI returns an API that sends every call through g.
func NewAPI(g *Gateway) *API {
	return &API{Gateway: g}
}

// TicketFilter narrows a ticket listing. Zero values are not sent.
type TicketFilter struct {
	StatusID   int64
	PriorityID int64
	Search     string
}

func (f TicketFilter) query() string {
	q := url.Values{}
	if f.StatusID > 0 {
		q.Set("statusId", strconv.FormatInt(f.StatusID, 10))
	}
	if f.PriorityID > 0 {
		q.Set("priorityId", strconv.FormatInt(f.PriorityID, 10))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Me returns the user the session belongs to.
func (a *API) Me(ctx context.Context) (*User, error) {
	var user User
	if err := a.getInto(ctx, "/api/user", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns the users tickets can be assigned to.
func (a *API) ListUsers(ctx context.Context) ([]BasicUser, error) {
	var users []BasicUser
	if err := a.getInto(ctx, "/api/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListTickets returns the tickets visible to the session.
func (a *API) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	var tickets []Ticket
	if err := a.getInto(ctx, "/api/tickets"+filter.query(), &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// GetTicket returns a single ticket.
func (a *API) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var ticket Ticket
	if err := a.getInto(ctx, ticketPath(id), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTickets fetches tickets concurrently with at most workers requests in
// flight. Results keep the order of ids; a failed fetch leaves a nil entry
// and its error is returned in errs.
func (a *API) GetTickets(ctx context.Context, ids []int64, workers int) ([]*Ticket, []error) {
	return a.GetTicketsWithProgress(ctx, ids, workers, nil)
}

// GetTicketsWithProgress is GetTickets calling progress (when not nil) after
// each fetch finishes, successful or not. progress may run concurrently.
func (a *API) GetTicketsWithProgress(ctx context.Context, ids []int64, workers int, progress func()) ([]*Ticket, []error) {
	return pool.Map(ctx, ids, workers, func(ctx context.Context, id int64) (*Ticket, error) {
		if progress != nil {
			defer progress()
		}
		ticket, err := a.GetTicket(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("ticket_id", id).Msg("Failed to fetch ticket")
			return nil, fmt.Errorf("ticket %d: %w", id, err)
		}
		return ticket, nil
	})
}

// ListPriorities returns the configured ticket priorities.
func (a *API) ListPriorities(ctx context.Context) ([]Priority, error) {
	var priorities []Priority
	if err := a.getInto(ctx, "/api/priorities", &priorities); err != nil {
		return nil, err
	}
	return priorities, nil
}

// CreateTicket creates a ticket and returns it as stored by the server.
func (a *API) CreateTicket(ctx context.Context, t NewTicket) (*Ticket, error) {
	resp, err := a.Gateway.PostJSON(ctx, "/api/tickets", t)
	if err != nil {
		return nil, err
	}
	var ticket Ticket
	if err := decodeResponse(resp, &ticket); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return &ticket, nil
}

// AssignTicket assigns a ticket to userID, or unassigns it when userID is nil.
func (a *API) AssignTicket(ctx context.Context, id int64, userID *int64) error {
	resp, err := a.Gateway.PatchJSON(ctx, ticketPath(id)+"/assign", map[string]*int64{"user_id": userID})
	if err != nil {
		return err
	}
	if _, err := checkResponse(resp); err != nil {
		return fmt.Errorf("failed to assign ticket: %w", err)
	}
	return nil
}

// AddMessage posts a reply on a ticket.
func (a *API) AddMessage(ctx context.Context, id int64, text string) (*Message, error) {
	resp, err := a.Gateway.PostJSON(ctx, ticketPath(id)+"/messages", map[string]string{"message": text})
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := decodeResponse(resp, &msg); err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}
	return &msg, nil
}

// Logout tells the server to end the session. Callers clear local
// credentials whatever this returns.
func (a *API) Logout(ctx context.Context) error {
	resp, err := a.Gateway.Do(ctx, LogoutPath, RequestOptions{Method: http.MethodPost})
	if err != nil {
		return err
	}
	_, err = checkResponse(resp)
	return err
}

func (a *API) getInto(ctx context.Context, target string, v any) error {
	resp, err := a.Gateway.Get(ctx, target)
	if err != nil {
		return err
	}
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	body, err := checkResponse(resp)
	if err != nil {
		return err
	}
	if err := decodeData(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func ticketPath(id int64) string {
	return "/api/tickets/" + strconv.FormatInt(id, 10)
}
