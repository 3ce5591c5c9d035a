package api

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the envelope of every status API reply
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// Error is the data of a failed response
type Error struct {
	Code    int    `json:"code,omitempty"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Success wraps data in a success envelope
func Success(data interface{}) Response {
	return Response{Status: StatusSuccess, Data: data}
}

// Failure builds an error envelope
func Failure(code int, name, message string) Response {
	return Response{Status: StatusError, Data: Error{Code: code, Name: name, Message: message}}
}

// Progress is one line of a streamed lifecycle operation
type Progress struct {
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
	Step   string `json:"step,omitempty"`
}

// RunningApp is an application the node confirms running
type RunningApp struct {
	Name         string   `json:"name"`
	Hash         string   `json:"hash"`
	RunningSince int64    `json:"runningSince"`
	Components   []string `json:"components,omitempty"`
}

// Location is a node running an application
type Location struct {
	Name          string `json:"name"`
	Hash          string `json:"hash"`
	IP            string `json:"ip"`
	RunningSince  int64  `json:"runningSince"`
	BroadcastedAt int64  `json:"broadcastedAt"`
}

// NodeInfo describes the answering node
type NodeInfo struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Tier     string `json:"tier"`
	StaticIP bool   `json:"staticIp"`
	Uptime   int64  `json:"uptime"`
	Busy     bool   `json:"busy"`
	Active   string `json:"operation"`
}
