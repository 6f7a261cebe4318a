package bundler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kevSchmidt/jsnote/pkg/loader"
)

// registry is a fake package CDN
type registry struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

var packages = map[string]string{
	"/tiny@1.0.0/index.js":   "import { answer } from \"./util.js\";\nexport default answer;\n",
	"/tiny@1.0.0/util.js":    "export const answer = 42;\n",
	"/theme@2.0.0/theme.css": "body { font-family: \"Fira Sans\", sans-serif; }\n",
	"/broken@1.0.0/index.js": "import \"./gone.js\";\n",
}

var redirects = map[string]string{
	"/tiny":  "/tiny@1.0.0/index.js",
	"/theme": "/theme@2.0.0/theme.css",
}

func newRegistry() *registry {
	r := &registry{hits: make(map[string]int)}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.hits[req.URL.Path]++
		r.mu.Unlock()

		if target, ok := redirects[req.URL.Path]; ok {
			http.Redirect(w, req, target, http.StatusFound)
			return
		}
		body, ok := packages[req.URL.Path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	return r
}

func (r *registry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.hits {
		n += h
	}
	return n
}

func (r *registry) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

var _ = Describe("Bundler", func() {
	var (
		ctx   context.Context
		cdn   *registry
		store *loader.MemoryStore
		b     *Bundler
	)

	BeforeEach(func() {
		ctx = context.Background()
		cdn = newRegistry()
		DeferCleanup(cdn.Close)

		store = loader.NewMemoryStore()
		b = New(Config{CDNBaseURL: cdn.URL}, store, loader.NewHTTPFetcher(cdn.Client()))
	})

	Context("When the entry has no imports", func() {
		It("Should bundle the entry source without network access", func() {
			result, err := b.Build(ctx, "console.log(1 + 1);")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Code).To(ContainSubstring("console.log"))
			Expect(cdn.total()).To(BeZero())
		})

		It("Should compile JSX in the entry", func() {
			result, err := b.Build(ctx, "const React = { createElement: () => null };\nconsole.log(<div />);")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Code).To(ContainSubstring("createElement"))
		})
	})

	Context("When the entry imports packages", func() {
		const entry = "import answer from \"tiny\";\nimport \"theme@2.0.0/theme.css\";\nconsole.log(answer);\n"

		It("Should follow redirects and resolve relative imports against the final URL", func() {
			result, err := b.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())

			By("Inlining the package and its relative import")
			Expect(result.Code).To(ContainSubstring("42"))

			By("Injecting the stylesheet")
			Expect(result.Code).To(ContainSubstring("document.head.appendChild"))
			Expect(result.Code).To(ContainSubstring("Fira Sans"))

			Expect(cdn.count("/tiny@1.0.0/util.js")).To(Equal(1))
			n, err := store.Len(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
		})

		It("Should choose the stylesheet rule by the requested path, not the redirect target", func() {
			_, err := b.Build(ctx, "import \"theme\";\n")
			Expect(err).To(HaveOccurred())

			var buildErr *BuildError
			Expect(errors.As(err, &buildErr)).To(BeTrue())
			Expect(cdn.count("/theme@2.0.0/theme.css")).To(Equal(1))
		})

		It("Should serve a rebuild entirely from the store", func() {
			first, err := b.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())
			requests := cdn.total()

			second, err := b.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())
			Expect(cdn.total()).To(Equal(requests))
			Expect(second.Code).To(Equal(first.Code))
		})

		It("Should share the store across bundlers", func() {
			_, err := b.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())
			requests := cdn.total()

			other := New(Config{CDNBaseURL: cdn.URL, Singleflight: true}, store, loader.NewHTTPFetcher(cdn.Client()))
			_, err = other.Build(ctx, "import answer from \"tiny\";\nexport { answer };\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(cdn.total()).To(Equal(requests))
		})

		It("Should minify when configured", func() {
			minified := New(Config{CDNBaseURL: cdn.URL, Minify: true}, store, loader.NewHTTPFetcher(cdn.Client()))

			plain, err := b.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())
			small, err := minified.Build(ctx, entry)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(small.Code)).To(BeNumerically("<", len(plain.Code)))
		})
	})

	Context("When a module cannot be fetched", func() {
		It("Should fail the whole build", func() {
			_, err := b.Build(ctx, "import \"missing-package\";\n")
			Expect(err).To(HaveOccurred())

			var buildErr *BuildError
			Expect(errors.As(err, &buildErr)).To(BeTrue())
			Expect(buildErr.Messages).NotTo(BeEmpty())
			Expect(err.Error()).To(ContainSubstring("404"))
		})

		It("Should fail when a nested relative import is missing", func() {
			_, err := b.Build(ctx, "import \"broken@1.0.0/index.js\";\n")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("gone.js"))
		})

		It("Should not store failed modules", func() {
			_, err := b.Build(ctx, "import \"missing-package\";\n")
			Expect(err).To(HaveOccurred())

			n, err := store.Len(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Context("When the entry has a syntax error", func() {
		It("Should report the error location", func() {
			_, err := b.Build(ctx, "const = ;")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("index.js:1:"))
		})
	})

	Context("When configured with defaults", func() {
		It("Should fill in the CDN and entry name", func() {
			d := New(Config{}, store, nil)
			Expect(d.config.CDNBaseURL).To(Equal(loader.DefaultCDNBaseURL))
			Expect(d.config.EntryName).To(Equal(loader.DefaultEntryName))
			Expect(d.fetcher).NotTo(BeNil())
		})

		It("Should reject an invalid CDN URL", func() {
			bad := New(Config{CDNBaseURL: "not a url"}, store, nil)
			_, err := bad.Build(ctx, "1")
			Expect(err).To(HaveOccurred())
			Expect(strings.Contains(err.Error(), "must be absolute")).To(BeTrue())
		})
	})
})
