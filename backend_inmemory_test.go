package fanprogress_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vslobodin/fanprogress"
)

var _ = Describe("InMemoryBackend", func() {
	BackendTestSuite(func(opts ...fanprogress.BackendOption) (fanprogress.Backend, func()) {
		backend := fanprogress.NewInMemoryBackend(opts...)
		return backend, func() { _ = backend.Close() }
	})

	Describe("job enumeration order", func() {
		It("should list jobs in creation order", func() {
			ctx := context.Background()
			backend := fanprogress.NewInMemoryBackend()
			defer backend.Close()

			Expect(backend.SetTotal(ctx, "job-b", testParts(), "")).To(Succeed())
			Expect(backend.SetTotal(ctx, "job-a", testParts(), "")).To(Succeed())
			Expect(backend.SetTotal(ctx, "job-c", testParts(), "")).To(Succeed())

			ids, err := backend.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"job-b", "job-a", "job-c"}))
		})
	})

	Describe("closed backend", func() {
		It("should reject operations after Close", func() {
			ctx := context.Background()
			backend := fanprogress.NewInMemoryBackend()
			Expect(backend.SetTotal(ctx, "job-1", testParts(), "")).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			Expect(backend.SetTotal(ctx, "job-2", testParts(), "")).To(HaveOccurred())
			_, err := backend.Status(ctx, "job-1")
			Expect(err).To(HaveOccurred())
		})

		It("should tolerate a double Close", func() {
			backend := fanprogress.NewInMemoryBackend()
			Expect(backend.Close()).To(Succeed())
			Expect(backend.Close()).To(Succeed())
		})
	})

	Describe("descriptor isolation", func() {
		It("should not expose internal state through returned parts", func() {
			ctx := context.Background()
			backend := fanprogress.NewInMemoryBackend()
			defer backend.Close()

			original := []fanprogress.Part{{"source": "a.tif"}}
			Expect(backend.SetTotal(ctx, "job-1", original, "")).To(Succeed())

			listed, err := backend.ListPendingParts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			listed[0]["source"] = "mutated.tif"

			again, err := backend.ListPendingParts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(again[0]).To(Equal(fanprogress.Part{"source": "a.tif"}))
		})
	})
})
