//go:build sqlite
// +build sqlite

package fanprogress_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vslobodin/fanprogress"
)

var _ = Describe("SQLiteBackend", func() {
	BackendTestSuite(func(opts ...fanprogress.BackendOption) (fanprogress.Backend, func()) {
		tmpFile, err := os.CreateTemp("", "fanprogress_sqlite_*.db")
		Expect(err).NotTo(HaveOccurred())
		tmpFile.Close()

		backend, err := fanprogress.NewSQLiteBackend(tmpFile.Name(), testLogger(), opts...)
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.Remove(tmpFile.Name())
		}
	})

	Describe("job enumeration order", func() {
		It("should list jobs in insertion order", func() {
			tmpFile, err := os.CreateTemp("", "fanprogress_sqlite_order_*.db")
			Expect(err).NotTo(HaveOccurred())
			tmpFile.Close()

			backend, err := fanprogress.NewSQLiteBackend(tmpFile.Name(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				_ = backend.Close()
				_ = os.Remove(tmpFile.Name())
			}()

			ctx := context.Background()
			Expect(backend.SetTotal(ctx, "job-b", testParts(), "")).To(Succeed())
			Expect(backend.SetTotal(ctx, "job-a", testParts(), "")).To(Succeed())

			ids, err := backend.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"job-b", "job-a"}))
		})
	})
})
