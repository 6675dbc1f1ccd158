package consts

import (
	"os"
	"path/filepath"
)

const (
	RelayDirName        = ".relay"
	ConfigFileName      = "config.yaml"
	SessionsFileName    = "sessions.json"
	HeartbeatsFileName  = "heartbeats.yaml"
	HeartbeatStateName  = "heartbeat_state.json"
	LogsDirName         = "logs"
	DefaultClaudeBinary = "claude"
)

func RelayHomeDir() string {
	if dir := os.Getenv("RELAY_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, RelayDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(RelayHomeDir(), ConfigFileName)
}

func DefaultSessionsPath() string {
	return filepath.Join(RelayHomeDir(), SessionsFileName)
}

func DefaultHeartbeatsPath() string {
	return filepath.Join(RelayHomeDir(), HeartbeatsFileName)
}

func DefaultHeartbeatStatePath() string {
	return filepath.Join(RelayHomeDir(), HeartbeatStateName)
}

func DefaultLogFile() string {
	return filepath.Join(RelayHomeDir(), LogsDirName, "relay.log")
}
