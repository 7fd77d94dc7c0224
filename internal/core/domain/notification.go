package domain

type Notification struct {
	ID    string
	App   string
	AppID string
	Time  string // "2006-01-02 15:04:05", local time
	Texts []string
}

const NotificationTimeLayout = "2006-01-02 15:04:05"
