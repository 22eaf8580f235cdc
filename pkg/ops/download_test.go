package ops_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/kairos-io/firmforge/pkg/ops"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Download", Label("download"), func() {
	var server *httptest.Server
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/iso/pve.iso" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte("ISO-CONTENT"))
		}))
	})
	AfterEach(func() { server.Close() })

	It("writes the file and creates the parent dir", func() {
		dst := filepath.Join(dir, "work", "pve.iso")
		name, err := ops.Download(context.Background(), server.URL+"/iso/pve.iso", dst)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(name).To(Equal(dst))
		data, err := os.ReadFile(dst)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(string(data)).To(Equal("ISO-CONTENT"))
	})

	It("fails and leaves nothing behind on a bad status", func() {
		dst := filepath.Join(dir, "missing.iso")
		_, err := ops.Download(context.Background(), server.URL+"/iso/missing.iso", dst)
		Expect(err).To(HaveOccurred())
		_, err = os.Stat(dst)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("fails when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ops.Download(ctx, server.URL+"/iso/pve.iso", filepath.Join(dir, "pve.iso"))
		Expect(err).To(HaveOccurred())
	})
})
