package logger

import "log"

// InitLogger 初始化日志器；prefix为空时不加前缀
func InitLogger(prefix string) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	if prefix != "" {
		log.SetPrefix("[" + prefix + "] ")
	}
	log.Printf("Logger initialized")
}
