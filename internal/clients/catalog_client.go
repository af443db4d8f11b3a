package clients

import (
	"context"
	"fmt"
	"net/http"

	"libracirc/internal/catalog"
)

// Books lists the catalog.
func (c *Client) Books(ctx context.Context) ([]*catalog.Book, error) {
	var books []*catalog.Book
	if err := c.do(ctx, http.MethodGet, "/books", nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

// AddBook registers a title.
func (c *Client) AddBook(ctx context.Context, book catalog.NewBook) (*catalog.Book, error) {
	var created catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", book, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// AddCopies adds count copies of a book.
func (c *Client) AddCopies(ctx context.Context, bookID int64, count int) ([]*catalog.Copy, error) {
	var copies []*catalog.Copy
	req := struct {
		Count int `json:"count"`
	}{Count: count}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/books/%d/copies", bookID), req, &copies); err != nil {
		return nil, err
	}
	return copies, nil
}

// Copies lists the copies of a book.
func (c *Client) Copies(ctx context.Context, bookID int64) ([]*catalog.Copy, error) {
	var copies []*catalog.Copy
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%d/copies", bookID), nil, &copies); err != nil {
		return nil, err
	}
	return copies, nil
}
