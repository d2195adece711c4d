package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

type CreateMissionRequest struct {
	ID          *string `json:"id,omitempty"`
	Reference   *string `json:"reference,omitempty"`
	ClientName  string  `json:"client_name"`
	SiteAddress *string `json:"site_address,omitempty"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	ScheduledAt *string `json:"scheduled_at,omitempty"`
}

type TransitionRequest struct {
	TargetStatus string         `json:"target_status"`
	Reason       *string        `json:"reason,omitempty"`
	At           *string        `json:"at,omitempty"`
	Params       map[string]any `json:"params,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedMissions struct {
	Items      []domain.Mission `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
