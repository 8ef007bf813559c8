package fanprogress_test

import (
	"context"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/vslobodin/fanprogress"
)

var _ = Describe("RedisBackend", func() {
	BackendTestSuite(func(opts ...fanprogress.BackendOption) (fanprogress.Backend, func()) {
		server, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		backend := fanprogress.NewRedisBackend(client, testLogger(), opts...)

		return backend, func() {
			_ = client.Close()
			server.Close()
		}
	})

	Describe("key layout", func() {
		var (
			server  *miniredis.Miniredis
			client  *redis.Client
			backend *fanprogress.RedisBackend
			ctx     context.Context
		)

		BeforeEach(func() {
			var err error
			server, err = miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			client = redis.NewClient(&redis.Options{Addr: server.Addr()})
			backend = fanprogress.NewRedisBackend(client, testLogger())
			ctx = context.Background()
		})

		AfterEach(func() {
			_ = client.Close()
			server.Close()
		})

		It("should address jobs through the -metadata and -parts suffixes", func() {
			Expect(backend.SetTotal(ctx, "123", testParts(), "topic-1")).To(Succeed())

			Expect(server.Exists("123-metadata")).To(BeTrue())
			Expect(server.Exists("123-parts")).To(BeTrue())
			Expect(server.HGet("123-metadata", "total")).To(Equal("3"))
			Expect(server.HGet("123-metadata", "remaining")).To(Equal("3"))
			Expect(server.HGet("123-metadata", "topic")).To(Equal("topic-1"))
		})

		It("should still enumerate a job whose parts hash was removed", func() {
			Expect(backend.SetTotal(ctx, "job1", testParts(), "")).To(Succeed())
			Expect(backend.SetTotal(ctx, "job2", testParts(), "")).To(Succeed())

			// The metadata hash alone defines job existence.
			server.Del("job1-parts")

			ids, err := backend.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf("job1", "job2"))
		})

		It("should remove both hashes when delete-when-done fires", func() {
			doneBackend := fanprogress.NewRedisBackend(client, testLogger(),
				fanprogress.WithDeleteWhenDone(true))

			Expect(doneBackend.SetTotal(ctx, "123", []fanprogress.Part{{"source": "a.tif"}}, "")).To(Succeed())

			done, err := doneBackend.CompletePart(ctx, "123", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())

			Expect(server.Exists("123-metadata")).To(BeFalse())
			Expect(server.Exists("123-parts")).To(BeFalse())
		})

		It("should not resurrect a deleted job through FailJob or SetMetadata", func() {
			Expect(backend.SetTotal(ctx, "123", testParts(), "")).To(Succeed())
			Expect(backend.Delete(ctx, "123")).To(Succeed())

			Expect(backend.FailJob(ctx, "123", "late failure")).To(MatchError(fanprogress.ErrJobDoesNotExist))
			err := backend.SetMetadata(ctx, "123", map[string]string{"k": "v"})
			Expect(err).To(MatchError(fanprogress.ErrJobDoesNotExist))

			// Neither write may recreate the metadata hash.
			Expect(server.Exists("123-metadata")).To(BeFalse())

			ids, err := backend.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())
		})

		It("should isolate trackers sharing one database via key prefixes", func() {
			alpha := fanprogress.NewRedisBackend(client, testLogger(), fanprogress.WithKeyPrefix("alpha:"))
			beta := fanprogress.NewRedisBackend(client, testLogger(), fanprogress.WithKeyPrefix("beta:"))

			Expect(alpha.SetTotal(ctx, "job-1", testParts(), "")).To(Succeed())
			Expect(beta.SetTotal(ctx, "job-2", testParts(), "")).To(Succeed())

			ids, err := alpha.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"job-1"}))

			ids, err = beta.ListJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"job-2"}))

			_, err = alpha.Status(ctx, "job-2")
			Expect(err).To(MatchError(fanprogress.ErrJobDoesNotExist))
		})
	})
})
