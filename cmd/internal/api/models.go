package api

import (
	"time"

	v1 "relay/contracts/chat/v1"
)

type createRoomRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	Type        string `json:"type" validate:"omitempty,oneof=direct group"`
}

type postMessageRequest struct {
	Content     string              `json:"content" validate:"required,max=4000"`
	MessageType string              `json:"messageType" validate:"omitempty,oneof=text image file"`
	Attachments []attachmentRequest `json:"attachments" validate:"omitempty,dive"`
}

type attachmentRequest struct {
	ID          string `json:"id" validate:"required"`
	Filename    string `json:"filename" validate:"required"`
	URL         string `json:"url" validate:"required,url"`
	ContentType string `json:"type"`
	Size        int64  `json:"size" validate:"gte=0"`
}

type roomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type"`
	CreatedBy   string    `json:"createdBy"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
}

type roomListResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type messagePageResponse struct {
	Messages   []v1.MessageData `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor,omitempty"`
}
