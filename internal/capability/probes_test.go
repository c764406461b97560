package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petrelhq/petrel/pkg/models"
)

func TestBinaryProbe(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		res := BinaryProbe("sh")(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s, detail %q", res.Status, res.Detail)
		}
	})

	t.Run("missing", func(t *testing.T) {
		res := BinaryProbe("sh", "definitely-not-a-real-binary")(context.Background())
		if res.Status != models.StatusNeedsSetup {
			t.Errorf("status = %s", res.Status)
		}
		if !strings.Contains(res.Detail, "definitely-not-a-real-binary") {
			t.Errorf("detail = %q", res.Detail)
		}
	})
}

func TestAnyBinaryProbe(t *testing.T) {
	t.Run("one present", func(t *testing.T) {
		res := AnyBinaryProbe("definitely-not-a-real-binary", "sh")(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s", res.Status)
		}
	})

	t.Run("none present", func(t *testing.T) {
		res := AnyBinaryProbe("not-real-one", "not-real-two")(context.Background())
		if res.Status != models.StatusNeedsSetup {
			t.Errorf("status = %s", res.Status)
		}
		if !strings.Contains(res.Detail, "requires one of") {
			t.Errorf("detail = %q", res.Detail)
		}
	})
}

func TestEnvProbe(t *testing.T) {
	t.Run("set in process", func(t *testing.T) {
		t.Setenv("PETREL_PROBE_SET", "1")
		res := EnvProbe([]string{"PETREL_PROBE_SET"}, nil)(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s", res.Status)
		}
	})

	t.Run("satisfied by overlay", func(t *testing.T) {
		overlay := map[string]string{"PETREL_PROBE_OVERLAY": "x"}
		res := EnvProbe([]string{"PETREL_PROBE_OVERLAY"}, overlay)(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s", res.Status)
		}
	})

	t.Run("missing", func(t *testing.T) {
		res := EnvProbe([]string{"PETREL_PROBE_UNSET"}, nil)(context.Background())
		if res.Status != models.StatusNeedsAuth {
			t.Errorf("status = %s", res.Status)
		}
		if !strings.Contains(res.Detail, "PETREL_PROBE_UNSET") {
			t.Errorf("detail = %q", res.Detail)
		}
	})
}

func TestStaticProbe(t *testing.T) {
	res := StaticProbe(models.StatusUnavailable, "disabled in config")(context.Background())
	if res.Status != models.StatusUnavailable || res.Detail != "disabled in config" {
		t.Errorf("res = %+v", res)
	}
}

func TestCommandProbe(t *testing.T) {
	t.Run("exit zero", func(t *testing.T) {
		res := CommandProbe(5*time.Second, "sh", "-c", "exit 0")(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s, detail %q", res.Status, res.Detail)
		}
	})

	t.Run("exit nonzero", func(t *testing.T) {
		res := CommandProbe(5*time.Second, "sh", "-c", "exit 3")(context.Background())
		if res.Status != models.StatusNeedsSetup {
			t.Errorf("status = %s", res.Status)
		}
	})
}

func TestReachableProbe(t *testing.T) {
	t.Run("http reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		res := ReachableProbe(srv.URL, 2*time.Second)(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("status = %s, detail %q", res.Status, res.Detail)
		}
	})

	t.Run("http error status still reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		res := ReachableProbe(srv.URL, 2*time.Second)(context.Background())
		if res.Status != models.StatusReady {
			t.Errorf("a responding host is reachable, got %s", res.Status)
		}
	})

	t.Run("down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		res := ReachableProbe(url, time.Second)(context.Background())
		if res.Status != models.StatusUnavailable {
			t.Errorf("status = %s", res.Status)
		}
	})
}

func TestAllOf(t *testing.T) {
	calls := []string{}
	ready := func(name string) Probe {
		return func(context.Context) ProbeResult {
			calls = append(calls, name)
			return Ready
		}
	}
	failing := func(context.Context) ProbeResult {
		calls = append(calls, "fail")
		return ProbeResult{Status: models.StatusNeedsSetup, Detail: "nope"}
	}

	res := AllOf(ready("a"), nil, failing, ready("never"))(context.Background())
	if res.Status != models.StatusNeedsSetup {
		t.Errorf("status = %s", res.Status)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "fail" {
		t.Errorf("calls = %v, short-circuit expected", calls)
	}
}
