package domain

const UnknownText = "Unknown"

type MediaStatus int

const (
	StatusUnknown  MediaStatus = -1
	StatusClosed   MediaStatus = 0
	StatusOpened   MediaStatus = 1
	StatusChanging MediaStatus = 2
	StatusStopped  MediaStatus = 3
	StatusPlaying  MediaStatus = 4
	StatusPaused   MediaStatus = 5
)

func (s MediaStatus) String() string {
	switch s {
	case StatusClosed:
		return "Closed"
	case StatusOpened:
		return "Opened"
	case StatusChanging:
		return "Changing"
	case StatusStopped:
		return "Stopped"
	case StatusPlaying:
		return "Playing"
	case StatusPaused:
		return "Paused"
	default:
		return UnknownText
	}
}

// ParseMediaStatus is the inverse of MediaStatus.String. Anything unrecognised
// maps to StatusUnknown.
func ParseMediaStatus(s string) MediaStatus {
	for st := StatusClosed; st <= StatusPaused; st++ {
		if st.String() == s {
			return st
		}
	}
	return StatusUnknown
}

// MediaSnapshot is one polled observation of the media session. It is a value
// type; a new one replaces the previous wholesale on every poll.
type MediaSnapshot struct {
	Title     string
	Artist    string
	Album     string
	Status    MediaStatus
	IsPlaying bool
	SessionID string // empty means no session
}

// NewMediaSnapshot is the only constructor used outside tests. Empty text
// fields become "Unknown" and IsPlaying is derived from status.
func NewMediaSnapshot(title, artist, album string, status MediaStatus, sessionID string) MediaSnapshot {
	if status < StatusUnknown || status > StatusPaused {
		status = StatusUnknown
	}
	return MediaSnapshot{
		Title:     orUnknown(title),
		Artist:    orUnknown(artist),
		Album:     orUnknown(album),
		Status:    status,
		IsPlaying: status == StatusPlaying,
		SessionID: sessionID,
	}
}

func UnknownSnapshot() MediaSnapshot {
	return NewMediaSnapshot("", "", "", StatusUnknown, "")
}

func (m MediaSnapshot) SameMedia(other MediaSnapshot) bool {
	return m.Title == other.Title && m.Artist == other.Artist
}

func (m MediaSnapshot) SameSession(other MediaSnapshot) bool {
	return m.SessionID == other.SessionID
}

// IsUnknown reports whether the snapshot carries no session, i.e. it is the
// reset value rather than an observation of a live player.
func (m MediaSnapshot) IsUnknown() bool {
	return m.SessionID == ""
}

// MediaTuple is the part of a snapshot that decides whether a media update is
// worth sending.
type MediaTuple struct {
	Title  string
	Artist string
	Status MediaStatus
}

func (m MediaSnapshot) Tuple() MediaTuple {
	return MediaTuple{Title: m.Title, Artist: m.Artist, Status: m.Status}
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownText
	}
	return s
}

type MediaEventKind int

const (
	EventSessionChanged MediaEventKind = iota
	EventMediaChanged
	EventStatusChanged
	EventPlay
	EventPause
	EventStop
)

var mediaEventKindNames = map[MediaEventKind]string{
	EventSessionChanged: "session_changed",
	EventMediaChanged:   "media_changed",
	EventStatusChanged:  "status_changed",
	EventPlay:           "play",
	EventPause:          "pause",
	EventStop:           "stop",
}

func (k MediaEventKind) String() string {
	if name, ok := mediaEventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MediaEvent is what MediaSessionTracker hands to its handlers. Only the
// fields relevant to Kind are populated: Old for MediaChanged, the status
// pair for StatusChanged, New for everything.
type MediaEvent struct {
	Kind      MediaEventKind
	Old       MediaSnapshot
	New       MediaSnapshot
	OldStatus MediaStatus
	NewStatus MediaStatus
}
