package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// OrgChannel is the pub/sub channel for session events of one organization.
func OrgChannel(orgID string) string {
	return fmt.Sprintf("org-events:%s", orgID)
}

// AttendanceGuardKey holds the short-window duplicate guard for one member
// in one session.
func AttendanceGuardKey(sessionID, memberID string) string {
	return fmt.Sprintf("attendance-guard:%s:%s", sessionID, memberID)
}
