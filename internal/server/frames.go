package server

// Frame size limits. Control frames are tiny JSON; audio frames carry up to
// 32 KB of raw PCM (base64 on the wire).
const (
	maxControlFrameBytes = 1 << 10
	maxAudioChunkBytes   = 32 << 10
)

// Client frame actions.
const (
	actionCreateSession    = "createSession"
	actionJoinSession      = "joinSession"
	actionSendAudio        = "sendAudio"
	actionControlBroadcast = "controlBroadcast"
	actionGetSessionStatus = "getSessionStatus"
	actionChangeLanguage   = "changeLanguage"
	actionHeartbeat        = "heartbeat"
)

// Broadcast control actions accepted in controlBroadcast frames.
const (
	controlPause  = "pause"
	controlResume = "resume"
	controlMute   = "mute"
	controlUnmute = "unmute"
)

// Wire error codes. Stable strings: clients key retry and UX behaviour on
// them, so they never change meaning.
const (
	CodeInvalidFrame       = "INVALID_FRAME"
	CodeInvalidRole        = "INVALID_ROLE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeInvalidAudioFormat = "INVALID_AUDIO_FORMAT"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionInactive    = "SESSION_INACTIVE"
	CodeSessionAtCapacity  = "SESSION_AT_CAPACITY"
	CodeUnsupportedLang    = "UNSUPPORTED_LANGUAGE"
	CodeUpstreamDown       = "UPSTREAM_UNAVAILABLE"
)

// clientFrame is the inbound envelope. The action field discriminates; the
// remaining fields are populated per action and ignored otherwise.
type clientFrame struct {
	Action string `json:"action"`

	// createSession
	Token            string   `json:"token,omitempty"`
	SourceLanguage   string   `json:"sourceLanguage,omitempty"`
	PartialResults   *bool    `json:"partialResults,omitempty"`
	MinStability     float64  `json:"minStability,omitempty"`
	MaxBufferTimeout float64  `json:"maxBufferTimeout,omitempty"` // seconds

	// joinSession / changeLanguage
	SessionID      string `json:"sessionId,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`

	// sendAudio
	AudioData []byte `json:"audioData,omitempty"` // base64 PCM16 on the wire
	Timestamp int64  `json:"timestamp,omitempty"` // capture time, unix millis

	// controlBroadcast
	ControlAction string   `json:"controlAction,omitempty"`
	Volume        *float64 `json:"volume,omitempty"`
}

// errorFrame is sent for any rejected frame. It never terminates the
// connection.
type errorFrame struct {
	Type       string `json:"type"` // always "error"
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, capacity errors only
}

type sessionCreatedFrame struct {
	Type             string  `json:"type"` // "sessionCreated"
	SessionID        string  `json:"sessionId"`
	SourceLanguage   string  `json:"sourceLanguage"`
	PartialResults   bool    `json:"partialResults"`
	MinStability     float64 `json:"minStability"`
	MaxBufferTimeout float64 `json:"maxBufferTimeout"` // seconds
}

type sessionJoinedFrame struct {
	Type           string `json:"type"` // "sessionJoined"
	SessionID      string `json:"sessionId"`
	TargetLanguage string `json:"targetLanguage"`
}

type broadcastControlledFrame struct {
	Type          string  `json:"type"` // "broadcastControlled"
	SessionID     string  `json:"sessionId"`
	ControlAction string  `json:"controlAction"`
	Paused        bool    `json:"paused"`
	Muted         bool    `json:"muted"`
	Volume        float64 `json:"volume"`
}

// broadcastStateFrame announces a broadcast state change to listeners.
type broadcastStateFrame struct {
	Type      string  `json:"type"` // "broadcastState"
	SessionID string  `json:"sessionId"`
	Paused    bool    `json:"paused"`
	Muted     bool    `json:"muted"`
	Volume    float64 `json:"volume"`
}

type sessionStatusFrame struct {
	Type                 string         `json:"type"` // "sessionStatus"
	SessionID            string         `json:"sessionId"`
	ListenerCount        int            `json:"listenerCount"`
	LanguageDistribution map[string]int `json:"languageDistribution"`
	Paused               bool           `json:"paused"`
	Muted                bool           `json:"muted"`
}

type languageChangedFrame struct {
	Type           string `json:"type"` // "languageChanged"
	TargetLanguage string `json:"targetLanguage"`
}

type heartbeatAckFrame struct {
	Type string `json:"type"` // "heartbeatAck"
}

// sessionEndedFrame tells listeners the speaker ended (or abandoned) the
// session.
type sessionEndedFrame struct {
	Type      string `json:"type"` // "sessionEnded"
	SessionID string `json:"sessionId"`
}
