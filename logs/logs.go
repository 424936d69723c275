package logs

import logging "github.com/ipfs/go-log/v2"

func SetAllLoggers(level logging.LogLevel) {
	logging.SetAllLoggers(level)
	// badger reports every compaction and value log rewrite the GC triggers
	_ = logging.SetLogLevel("badger", "WARN")
	_ = logging.SetLogLevel("fx", "WARN")
}
