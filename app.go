package guardhttp

import "net/http"

// App adapts a plain http.Handler into a terminal node that always claims
// the request. It is how business logic mounts at the bottom of a tree.
type App struct {
	Base
	h http.Handler
}

func NewApp(h http.Handler) *App {
	return &App{h: h}
}

func (a *App) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	if a.h == nil {
		return false, nil
	}
	a.h.ServeHTTP(w, r)
	return true, nil
}
