package handler

import "github.com/gin-gonic/gin"

func init() {
	gin.SetMode(gin.TestMode)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
