package feed2mobi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type mockFetcher struct {
	results map[string]*FetchResult
	errs    map[string]error
	calls   []string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		results: make(map[string]*FetchResult),
		errs:    make(map[string]error),
	}
}

func (mf *mockFetcher) Fetch(_ context.Context, url, lastModified, etag string) (*FetchResult, error) {
	mf.calls = append(mf.calls, url)
	if err := mf.errs[url]; err != nil {
		return nil, err
	}
	res, ok := mf.results[url]
	if !ok {
		return nil, fmt.Errorf("no fetch result scripted for %s", url)
	}
	return res, nil
}

type mockCompiler struct {
	fail     bool
	noOutput bool
	compiled []string
}

func (mc *mockCompiler) Compile(dir, manifest, output string) error {
	mc.compiled = append(mc.compiled, output)
	if mc.fail {
		return fmt.Errorf("compiler exited with status 1")
	}
	if mc.noOutput {
		return nil
	}
	return os.WriteFile(filepath.Join(dir, output), []byte("mobi"), 0o644)
}

type mockMailer struct {
	fail bool
	sent []string
}

func (mm *mockMailer) Send(to, subject, attachmentPath string) error {
	if mm.fail {
		return fmt.Errorf("transport rejected message for %s", to)
	}
	if _, err := os.Stat(attachmentPath); err != nil {
		return err
	}
	mm.sent = append(mm.sent, to)
	return nil
}
