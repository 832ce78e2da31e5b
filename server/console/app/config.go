package app

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	cmnenv "supportdesk/server/common/env"
	"supportdesk/server/console/presence"
	"supportdesk/server/console/realtime"
	"supportdesk/server/console/transcript"
)

type Config struct {
	APIURL          string
	SocketURL       string
	CredentialsPath string

	ConnectTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	IdleAfter        time.Duration
	AwayAfter        time.Duration
	LogoutAfter      time.Duration
	ActivityThrottle time.Duration
	TypingIdle       time.Duration
}

func LoadConfig() Config {
	apiURL := cmnenv.String("SUPPORTDESK_API_URL", "http://localhost:8080")
	return Config{
		APIURL:               apiURL,
		SocketURL:            cmnenv.String("SUPPORTDESK_SOCKET_URL", SocketURLFor(apiURL)),
		CredentialsPath:      cmnenv.String("SUPPORTDESK_CREDENTIALS", defaultCredentialsPath()),
		ConnectTimeout:       cmnenv.Duration("SOCKET_CONNECT_TIMEOUT", realtime.DefaultConnectTimeout),
		ReconnectBase:        cmnenv.Duration("SOCKET_RECONNECT_BASE", realtime.DefaultReconnectBase),
		ReconnectCap:         cmnenv.Duration("SOCKET_RECONNECT_CAP", realtime.DefaultReconnectCap),
		MaxReconnectAttempts: cmnenv.Int("SOCKET_MAX_RECONNECT_ATTEMPTS", realtime.DefaultMaxAttempts),
		IdleAfter:            cmnenv.Duration("PRESENCE_IDLE_AFTER", presence.DefaultIdleAfter),
		AwayAfter:            cmnenv.Duration("PRESENCE_AWAY_AFTER", presence.DefaultAwayAfter),
		LogoutAfter:          cmnenv.Duration("PRESENCE_LOGOUT_AFTER", presence.DefaultLogoutAfter),
		ActivityThrottle:     cmnenv.Duration("PRESENCE_THROTTLE", presence.DefaultThrottle),
		TypingIdle:           cmnenv.Duration("TYPING_IDLE", transcript.DefaultTypingIdle),
	}
}

// SocketURLFor derives the gateway websocket endpoint from its REST base URL.
func SocketURLFor(apiURL string) string {
	base := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".supportdesk-credentials.yaml"
	}
	return filepath.Join(dir, "supportdesk", "credentials.yaml")
}
