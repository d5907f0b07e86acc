package processevent

type Input struct {
	EventType string                 `json:"eventType"`
	UserID    string                 `json:"userId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type Output struct {
	NotificationIDs []string `json:"notificationIds"`
	Count           int      `json:"count"`
}
