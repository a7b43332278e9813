package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "charli-chat",
	Level: hclog.LevelFromString("INFO"),
})
