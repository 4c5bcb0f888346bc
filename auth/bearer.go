package auth

import (
	"net/http"
	"strings"

	"github.com/dchest/uniuri"

	"github.com/voicerelay/voicerelay/util"
)

// Bearer is the development placeholder Authenticator: any bearer token
// is accepted verbatim as the identity, and requests without one get a
// synthesized anonymous identity. It never fails and verifies nothing;
// production deployments must supply a real implementation (see JWT).
type Bearer struct{}

// Authenticate implements Authenticator.
func (Bearer) Authenticate(r *http.Request) (string, error) {
	if tok := util.ExtractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok, nil
	}
	return "anonymous-" + strings.ToLower(uniuri.NewLen(8)), nil
}
