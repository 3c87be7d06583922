package session

import "time"

// Command is something a client asks a session to do. The set is closed:
// Submit, Input, CloseInput and Disconnect.
type Command interface {
	isCommand()
}

// Submit runs Source as a new execution. Stdin, if set, is written as soon
// as the process starts; CloseStdin then signals end of input.
type Submit struct {
	Language   string
	Source     string
	Stdin      string
	CloseStdin bool
}

// Input forwards one line to the running process. A newline is appended.
type Input struct {
	Text string
}

// CloseInput signals end of input to the running process.
type CloseInput struct{}

// Disconnect ends the session and tears down its sandbox.
type Disconnect struct{}

func (Submit) isCommand()     {}
func (Input) isCommand()      {}
func (CloseInput) isCommand() {}
func (Disconnect) isCommand() {}

// Kind names an event type on the wire.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindExit   Kind = "exit"
	KindError  Kind = "error"
	KindSystem Kind = "system"
)

// Event is something a session reports to its client. The set is closed:
// Stdout, Stderr, Exit, Error and System.
type Event interface {
	Kind() Kind
	Time() time.Time
	isEvent()
}

type Stdout struct {
	At   time.Time
	Data string
}

type Stderr struct {
	At   time.Time
	Data string
}

// Exit is emitted once per started execution, after all of its output.
type Exit struct {
	At      time.Time
	Code    int
	Message string
}

type Error struct {
	At      time.Time
	Message string
	Code    string
}

// System carries notices such as image pull progress and warnings.
type System struct {
	At   time.Time
	Data string
}

func (e Stdout) Kind() Kind { return KindStdout }
func (e Stderr) Kind() Kind { return KindStderr }
func (e Exit) Kind() Kind   { return KindExit }
func (e Error) Kind() Kind  { return KindError }
func (e System) Kind() Kind { return KindSystem }

func (e Stdout) Time() time.Time { return e.At }
func (e Stderr) Time() time.Time { return e.At }
func (e Exit) Time() time.Time   { return e.At }
func (e Error) Time() time.Time  { return e.At }
func (e System) Time() time.Time { return e.At }

func (Stdout) isEvent() {}
func (Stderr) isEvent() {}
func (Exit) isEvent()   {}
func (Error) isEvent()  {}
func (System) isEvent() {}

// Error codes.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeBlocked             = "blocked"
	CodeImageUnavailable    = "image_unavailable"
	CodeWorkspaceFailed     = "workspace_failed"
	CodeProvisionFailed     = "provision_failed"
	CodeStreamFailed        = "stream_failed"
	CodeNoActiveProcess     = "no_active_process"
)

// Fatal reports whether the error ended the submission without an Exit.
func (e Error) Fatal() bool {
	switch e.Code {
	case CodeStreamFailed, CodeNoActiveProcess:
		return false
	default:
		return true
	}
}
