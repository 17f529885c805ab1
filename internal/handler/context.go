package handler

type ContextKey string

var (
	ResourceCtxKey ContextKey = "resource"
)
