// Package logger はサービス共通のlogrusロガーを生成する。
package logger

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// New はレベルと形式を指定してロガーを生成する。
// 解釈できないレベルはinfoとして扱う。formatが"json"ならJSON形式で出力する。
func New(level, format string) *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return l
}
