package clients

import (
	"context"
	"fmt"
	"net/http"

	"libracirc/internal/circulation"
	"libracirc/internal/journal"
	"libracirc/internal/ledger"
	"libracirc/internal/reservation"
)

type loanRequest struct {
	LibraryID string `json:"library_id"`
	BookID    int64  `json:"book_id"`
}

// Checkout lends a copy of the book to the member.
func (c *Client) Checkout(ctx context.Context, libraryID string, bookID int64) (*ledger.Loan, error) {
	var loan ledger.Loan
	if err := c.do(ctx, http.MethodPost, "/loans/checkout", loanRequest{libraryID, bookID}, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

// Return closes the member's open loan on the book.
func (c *Client) Return(ctx context.Context, libraryID string, bookID int64) (*circulation.ReturnResult, error) {
	var result circulation.ReturnResult
	if err := c.do(ctx, http.MethodPost, "/loans/return", loanRequest{libraryID, bookID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Loans lists loans, all of them when memberID is 0.
func (c *Client) Loans(ctx context.Context, memberID int64) ([]*circulation.LoanView, error) {
	var loans []*circulation.LoanView
	if err := c.do(ctx, http.MethodGet, "/loans"+memberQuery(memberID), nil, &loans); err != nil {
		return nil, err
	}
	return loans, nil
}

// Reserve queues the member for the book.
func (c *Client) Reserve(ctx context.Context, libraryID string, bookID int64) (*reservation.Reservation, error) {
	var r reservation.Reservation
	if err := c.do(ctx, http.MethodPost, "/reservations", loanRequest{libraryID, bookID}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CancelReservation withdraws a pending reservation.
func (c *Client) CancelReservation(ctx context.Context, id int64) (*reservation.Reservation, error) {
	var r reservation.Reservation
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/reservations/%d/cancel", id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Reservations lists reservations, all of them when memberID is 0.
func (c *Client) Reservations(ctx context.Context, memberID int64) ([]*circulation.ReservationView, error) {
	var rs []*circulation.ReservationView
	if err := c.do(ctx, http.MethodGet, "/reservations"+memberQuery(memberID), nil, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Events pages through the circulation journal.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]journal.Event, error) {
	var events []journal.Event
	path := fmt.Sprintf("/events?after=%d&limit=%d", after, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func memberQuery(memberID int64) string {
	if memberID == 0 {
		return ""
	}
	return fmt.Sprintf("?member_id=%d", memberID)
}
