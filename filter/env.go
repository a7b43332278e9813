package filter

import (
	"strconv"
	"strings"
)

/*
Env is the environment available to target-filter expressions. Once fixed it
should not be changed: renaming a property breaks filters attached to events
that are already in flight or persisted.
*/

type User struct {
	Id        string
	Name      string
	IsDeleted bool
}

type Room struct {
	Id   string
	Name string
	Tags map[string]string
}

type Source struct {
	User
}

type Target struct {
	User
}

type Env struct {
	Room
	Source  Source
	Target  Target
	Name    string
	Created int64

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
}

// NewEnv returns an Env with the conversion helpers bound, ready to be
// completed with room/source/target data.
func NewEnv() Env {
	return Env{
		AsInt:         AsInt,
		AsFloat:       AsFloat,
		AsStringSlice: AsStringSlice,
	}
}

// AsInt parses a tag value as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses a tag value as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// AsStringSlice parses a tag value as a comma-separated slice of strings
func AsStringSlice(v string) []string {
	return strings.Split(v, ",")
}
