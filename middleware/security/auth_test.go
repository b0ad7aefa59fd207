package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"chatgate/tools/errs"
	"chatgate/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(opts *Options, header string) (*httptest.ResponseRecorder, string) {
	var seen string
	e := gin.New()
	e.GET("/me", Middleware(opts), func(c *gin.Context) {
		seen, _ = User(c)
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w, seen
}

func TestMiddlewareVerifiesBearer(t *testing.T) {
	opts := DefaultOptions([]byte("s3cret"))
	token, _, err := security.Issue(opts.JWT, "alice")
	require.NoError(t, err)

	w, user := serve(opts, "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice", user)

	w, _ = serve(opts, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"ok":false`)

	w, _ = serve(opts, "Bearer not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDisabledLetsEverythingThrough(t *testing.T) {
	w, user := serve(DefaultOptions(nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, user)
}

func TestAuthorizeComparesSubject(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	require.NoError(t, Authorize(c, "anyone"))

	c.Set(PPCtxUserKey, "alice")
	require.NoError(t, Authorize(c, "alice"))
	err := Authorize(c, "bob")
	require.True(t, errs.Is(err, errs.ErrForbidden))
}
