// Package catalog defines the closed set of offline action kinds, their
// classification, and the fixed mapping from kind to outbound API operation.
package catalog

import (
	"errors"
	"fmt"
)

// ActionType represents a kind of queued offline mutation.
type ActionType string

const (
	TaskCreate        ActionType = "TASK_CREATE"
	TaskUpdate        ActionType = "TASK_UPDATE"
	TaskStatusChange  ActionType = "TASK_STATUS_CHANGE"
	TaskCommentAdd    ActionType = "TASK_COMMENT_ADD"
	TaskPhotoAttach   ActionType = "TASK_PHOTO_ATTACH"
	ChecklistCreate   ActionType = "CHECKLIST_CREATE"
	ChecklistUpdate   ActionType = "CHECKLIST_UPDATE"
	ChecklistComplete ActionType = "CHECKLIST_COMPLETE"
	PhotoUpload       ActionType = "PHOTO_UPLOAD"
)

// ErrUnknownAction is returned for a kind outside the closed set. The sync
// engine treats it as a permanent failure, never a retry.
var ErrUnknownAction = errors.New("unknown action type")

// Priority tiers. Creations replay first so temp-id resolution succeeds
// before dependent actions need it; photo uploads second; the rest last.
const (
	priorityCreate = 0
	priorityPhoto  = 1
	priorityOther  = 2
)

// IsCreate reports whether a kind represents entity creation, whose
// successful sync must populate a temp-id mapping.
func IsCreate(t ActionType) bool {
	switch t {
	case TaskCreate, ChecklistCreate:
		return true
	}
	return false
}

// IsPhotoBearing reports whether a kind carries a locally stored photo blob
// that must be loaded from the offline photo store at dispatch time.
func IsPhotoBearing(t ActionType) bool {
	switch t {
	case TaskPhotoAttach, PhotoUpload:
		return true
	}
	return false
}

// Known reports whether the kind belongs to the closed action set.
func Known(t ActionType) bool {
	switch t {
	case TaskCreate, TaskUpdate, TaskStatusChange, TaskCommentAdd,
		TaskPhotoAttach, ChecklistCreate, ChecklistUpdate,
		ChecklistComplete, PhotoUpload:
		return true
	}
	return false
}

// Priority returns the ordinal used as the primary replay sort key, with
// creation time as the tie-breaker.
func Priority(t ActionType) int {
	switch {
	case IsCreate(t):
		return priorityCreate
	case IsPhotoBearing(t):
		return priorityPhoto
	default:
		return priorityOther
	}
}

// Endpoint describes the outbound API operation for an action kind.
type Endpoint struct {
	Method    string
	Path      string
	Multipart bool
}

// EndpointFor returns the fixed outbound operation for a kind, with the
// (already resolved) entity id substituted into the path template.
func EndpointFor(t ActionType, entityID string) (Endpoint, error) {
	switch t {
	case TaskCreate:
		return Endpoint{Method: "POST", Path: "/api/tasks"}, nil
	case TaskUpdate:
		return Endpoint{Method: "PATCH", Path: fmt.Sprintf("/api/tasks/%s", entityID)}, nil
	case TaskStatusChange:
		return Endpoint{Method: "PATCH", Path: fmt.Sprintf("/api/tasks/%s/status", entityID)}, nil
	case TaskCommentAdd:
		return Endpoint{Method: "POST", Path: fmt.Sprintf("/api/tasks/%s/comments", entityID)}, nil
	case TaskPhotoAttach:
		return Endpoint{Method: "POST", Path: fmt.Sprintf("/api/tasks/%s/photos", entityID), Multipart: true}, nil
	case ChecklistCreate:
		return Endpoint{Method: "POST", Path: "/api/checklists"}, nil
	case ChecklistUpdate:
		return Endpoint{Method: "PATCH", Path: fmt.Sprintf("/api/checklists/%s", entityID)}, nil
	case ChecklistComplete:
		return Endpoint{Method: "POST", Path: fmt.Sprintf("/api/checklists/%s/complete", entityID)}, nil
	case PhotoUpload:
		return Endpoint{Method: "POST", Path: "/api/photos", Multipart: true}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
}
