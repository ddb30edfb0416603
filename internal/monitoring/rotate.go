package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for LogToFile.
const (
	LogMaxSizeMB  = 20
	LogMaxBackups = 5
	LogMaxAgeDays = 14
)

// LogToFile sends the standard logger to stderr and to a size-rotated file
// at path. Closing the returned Closer restores stderr-only output.
func LogToFile(path string) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    LogMaxSizeMB,
		MaxBackups: LogMaxBackups,
		MaxAge:     LogMaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return rotated{lj}
}

type rotated struct{ lj *lumberjack.Logger }

func (r rotated) Close() error {
	log.SetOutput(os.Stderr)
	return r.lj.Close()
}
