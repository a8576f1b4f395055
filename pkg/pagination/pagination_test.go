package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor(""))
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	p := FromContext(contextFor("limit=500&offset=-3"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestPage_Window(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	resp := Page(items, Params{Limit: 2, Offset: 2})
	data := resp.Data.([]int)
	if len(data) != 2 || data[0] != 3 || data[1] != 4 {
		t.Errorf("unexpected window %v", data)
	}
	if resp.Total != 5 || !resp.HasMore {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestPage_PastTheEnd(t *testing.T) {
	resp := Page([]string{"a"}, Params{Limit: 10, Offset: 5})
	data := resp.Data.([]string)
	if data == nil || len(data) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", data)
	}
	if resp.HasMore {
		t.Error("expected no more pages")
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	if !p.HasNext(21) {
		t.Error("expected next page")
	}
	if p.HasNext(20) {
		t.Error("expected no next page")
	}
}
