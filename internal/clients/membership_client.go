package clients

import (
	"context"
	"fmt"
	"net/http"

	"libracirc/internal/membership"
)

// RegisterMember adds a member to the directory.
func (c *Client) RegisterMember(ctx context.Context, member membership.NewMember) (*membership.Member, error) {
	var created membership.Member
	if err := c.do(ctx, http.MethodPost, "/members", member, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Member fetches a member by id.
func (c *Client) Member(ctx context.Context, id int64) (*membership.Member, error) {
	var m membership.Member
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/members/%d", id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
