package relation

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type endpointData struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

func (d endpointData) Validate() error {
	if d.Host == "" {
		return errors.New("host must not be empty")
	}
	if d.Port == "" {
		return errors.New("port must not be empty")
	}
	return nil
}

var _ = Describe("Channel", func() {
	var (
		store   *MemoryStore
		channel *Channel[endpointData]
	)

	BeforeEach(func() {
		store = NewMemoryStore()
		channel = NewChannel[endpointData](store, "endpoint")
	})

	Describe("GetData", func() {
		It("returns nil when no relation is formed", func() {
			data, err := channel.GetData()
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(BeNil())
		})

		It("returns nil for a formed relation with an empty databag", func() {
			store.AddRelation("endpoint", "consumer")

			data, err := channel.GetData()
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(BeNil())
		})

		It("returns the remote data once published", func() {
			id := store.AddRelation("endpoint", "consumer")
			Expect(store.SetRemoteData("endpoint", id, Databag{
				"host": `"db.example.com"`,
				"port": `"5432"`,
			})).To(Succeed())

			data, err := channel.GetData()
			Expect(err).NotTo(HaveOccurred())
			Expect(data).NotTo(BeNil())
			Expect(data.Host).To(Equal("db.example.com"))
			Expect(data.Port).To(Equal("5432"))
		})

		It("ignores databag keys unknown to the schema", func() {
			id := store.AddRelation("endpoint", "consumer")
			Expect(store.SetRemoteData("endpoint", id, Databag{
				"host":  `"db.example.com"`,
				"port":  `"5432"`,
				"extra": `"whatever"`,
			})).To(Succeed())

			data, err := channel.GetData()
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Host).To(Equal("db.example.com"))
		})

		It("distinguishes invalid data from absent data", func() {
			id := store.AddRelation("endpoint", "consumer")
			Expect(store.SetRemoteData("endpoint", id, Databag{
				"host": `"db.example.com"`,
			})).To(Succeed())

			data, err := channel.GetData()
			Expect(data).To(BeNil())
			Expect(err).To(HaveOccurred())
			Expect(IsValidationError(err)).To(BeTrue())
		})

		It("reports malformed JSON values as validation failures", func() {
			id := store.AddRelation("endpoint", "consumer")
			Expect(store.SetRemoteData("endpoint", id, Databag{
				"host": `not-json`,
				"port": `"5432"`,
			})).To(Succeed())

			_, err := channel.GetData()
			Expect(IsValidationError(err)).To(BeTrue())
		})

		It("fails on more than one related application", func() {
			store.AddRelation("endpoint", "consumer-a")
			store.AddRelation("endpoint", "consumer-b")

			_, err := channel.GetData()
			Expect(err).To(HaveOccurred())
			Expect(IsMultipleRelatedApplications(err)).To(BeTrue())
		})
	})

	Describe("GetDataFromAllRelations", func() {
		It("returns one entry per instance with nil placeholders for unusable data", func() {
			good := store.AddRelation("endpoint", "consumer-a")
			store.AddRelation("endpoint", "consumer-b")
			bad := store.AddRelation("endpoint", "consumer-c")

			Expect(store.SetRemoteData("endpoint", good, Databag{
				"host": `"a.example.com"`,
				"port": `"80"`,
			})).To(Succeed())
			Expect(store.SetRemoteData("endpoint", bad, Databag{
				"host": `"c.example.com"`,
			})).To(Succeed())

			all, err := channel.GetDataFromAllRelations()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
			Expect(all[0]).NotTo(BeNil())
			Expect(all[0].Host).To(Equal("a.example.com"))
			Expect(all[1]).To(BeNil())
			Expect(all[2]).To(BeNil())
		})
	})

	Describe("Publish and IsReady", func() {
		It("refuses to publish invalid data", func() {
			store.AddRelation("endpoint", "consumer")
			Expect(channel.Publish(endpointData{Host: "db.example.com"})).NotTo(Succeed())
		})

		It("is not ready before anything was published", func() {
			store.AddRelation("endpoint", "consumer")
			Expect(channel.IsReady(endpointData{Host: "db.example.com", Port: "5432"})).To(BeFalse())
		})

		It("converges after publishing and stays converged on republish", func() {
			store.AddRelation("endpoint", "consumer-a")
			store.AddRelation("endpoint", "consumer-b")

			want := endpointData{Host: "db.example.com", Port: "5432"}
			Expect(channel.Publish(want)).To(Succeed())
			Expect(channel.IsReady(want)).To(BeTrue())

			Expect(channel.Publish(want)).To(Succeed())
			Expect(channel.IsReady(want)).To(BeTrue())
		})

		It("reports divergence when the desired value moves", func() {
			store.AddRelation("endpoint", "consumer")

			Expect(channel.Publish(endpointData{Host: "db.example.com", Port: "5432"})).To(Succeed())
			Expect(channel.IsReady(endpointData{Host: "other.example.com", Port: "5432"})).To(BeFalse())
		})

		It("publishes distinct payloads per instance through PublishTo", func() {
			a := store.AddRelation("endpoint", "consumer-a")
			b := store.AddRelation("endpoint", "consumer-b")

			Expect(channel.PublishTo(a, endpointData{Host: "a.example.com", Port: "80"})).To(Succeed())
			Expect(channel.PublishTo(b, endpointData{Host: "b.example.com", Port: "81"})).To(Succeed())

			bagA, err := store.LocalData("endpoint", a)
			Expect(err).NotTo(HaveOccurred())
			Expect(bagA["host"]).To(Equal(`"a.example.com"`))
			bagB, err := store.LocalData("endpoint", b)
			Expect(err).NotTo(HaveOccurred())
			Expect(bagB["host"]).To(Equal(`"b.example.com"`))
		})
	})

	Describe("Changes", func() {
		It("notifies without payload on remote updates of its own relation only", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			changes, err := channel.Changes(ctx)
			Expect(err).NotTo(HaveOccurred())

			id := store.AddRelation("endpoint", "consumer")
			Eventually(changes).Should(Receive())

			store.AddRelation("unrelated", "someone")
			Consistently(changes, 100*time.Millisecond).ShouldNot(Receive())

			Expect(store.SetRemoteData("endpoint", id, Databag{
				"host": `"db.example.com"`,
				"port": `"5432"`,
			})).To(Succeed())
			Eventually(changes).Should(Receive())
		})

		It("closes the stream when the context ends", func() {
			ctx, cancel := context.WithCancel(context.Background())
			changes, err := channel.Changes(ctx)
			Expect(err).NotTo(HaveOccurred())

			cancel()
			Eventually(changes).Should(BeClosed())
		})
	})
})
