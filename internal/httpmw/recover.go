package httpmw

import (
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Recover converts handler panics into 500 responses so one bad request
// cannot take the process down. http.ErrAbortHandler is re-raised untouched;
// it is the sanctioned way to abort a response mid-stream and the server
// handles it quietly. onPanic, if non-nil, runs after logging (metrics hook).
func Recover(logger log.Logger, onPanic func()) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				// the capture happens while the panicking frames are still
				// on the stack, so the log's rendered stack names the
				// panic site
				err, ok := v.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", v)
				} else {
					err = xerrors.EnsureTrace(err)
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
				).Error(r.Context(), err, "handler panic recovered")

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
