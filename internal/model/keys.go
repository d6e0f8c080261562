package model

import (
	"fmt"
	"path"
	"strings"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const (
	UsersPrefix         = "users/"
	QueueObjectName     = "interactions/indexer_queue.jsonl"
	CursorObjectName    = "interactions/indexer_state.json"
	BatchObjectName     = "interactions/indexer_batch_state.json"
	SemanticPrefix      = "interactions/semantic/"
	ManifestObjectName  = "interactions/semantic/index.jsonl"
	PortfolioObjectName = "interactions/portfolio/uncategorized.jsonl"
)

// ValidateSegment rejects ids that would escape their namespace when used in a key.
func ValidateSegment(kind, value string) error {
	v := strings.TrimSpace(value)
	if v == "" || v != value {
		return fmt.Errorf("%s %q: %w", kind, value, appErr.ErrInvalid)
	}
	if strings.ContainsAny(v, "/\\") || v == "." || v == ".." || strings.Contains(v, "..") {
		return fmt.Errorf("%s %q: %w", kind, value, appErr.ErrInvalid)
	}
	return nil
}

func UserKey(userID, name string) string {
	return path.Join(UsersPrefix+userID, name)
}

func QueueKey(userID string) string {
	return UserKey(userID, QueueObjectName)
}

func CursorKey(userID string) string {
	return UserKey(userID, CursorObjectName)
}

func BatchKey(userID string) string {
	return UserKey(userID, BatchObjectName)
}

func ManifestKey(userID string) string {
	return UserKey(userID, ManifestObjectName)
}

func PortfolioKey(userID string) string {
	return UserKey(userID, PortfolioObjectName)
}

func ArtifactKey(userID, interactionID string) string {
	return UserKey(userID, SemanticPrefix+interactionID+".json")
}

// UserFromQueueKey extracts the user id from a full queue key.
func UserFromQueueKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, UsersPrefix)
	if !ok {
		return "", false
	}
	user, name, ok := strings.Cut(rest, "/")
	if !ok || user == "" || name != QueueObjectName {
		return "", false
	}
	return user, true
}
