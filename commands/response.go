package commands

import "strings"

const errorPrefix = "**** "

// Response is the reply text accumulated while one message is processed.
type Response struct {
	lines []string
}

func (r *Response) Add(text string) {
	r.lines = append(r.lines, text)
}

// Error adds text as an error line.
func (r *Response) Error(text string) {
	r.lines = append(r.lines, errorPrefix+text)
}

// Echo records the command line about to run.
func (r *Response) Echo(line string) {
	r.lines = append(r.lines, "", ">>>> "+line)
}

func (r *Response) Lines() []string {
	return r.lines
}

func (r *Response) String() string {
	if len(r.lines) == 0 {
		return ""
	}
	return strings.Join(r.lines, "\n") + "\n"
}
