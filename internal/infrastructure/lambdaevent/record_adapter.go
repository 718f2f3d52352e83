// Package lambdaevent converts Lambda event source payloads into the raw
// key/value pairs the worker's message handler consumes.
package lambdaevent

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aws/aws-lambda-go/events"
)

// Record is one decoded Kafka message from an event source mapping batch.
type Record struct {
	Topic     string
	Partition int64
	Offset    int64
	Key       []byte
	Value     []byte
}

// ID identifies the record in logs.
func (r Record) ID() string {
	return fmt.Sprintf("%s-%d@%d", r.Topic, r.Partition, r.Offset)
}

// ConvertFromKafkaRecord decodes the base64 key and value of a record.
func ConvertFromKafkaRecord(record events.KafkaRecord) (Record, error) {
	out := Record{Topic: record.Topic, Partition: record.Partition, Offset: record.Offset}

	if record.Key != "" {
		key, err := base64.StdEncoding.DecodeString(record.Key)
		if err != nil {
			return out, fmt.Errorf("failed to decode key: %w", err)
		}
		out.Key = key
	}

	if record.Value == "" {
		return out, fmt.Errorf("record has no value")
	}
	value, err := base64.StdEncoding.DecodeString(record.Value)
	if err != nil {
		return out, fmt.Errorf("failed to decode value: %w", err)
	}
	out.Value = value
	return out, nil
}

// BatchConvertFromKafkaEvent decodes every record in the batch, partition by
// partition in offset order. Records that fail to decode are reported
// separately and left out of the result.
func BatchConvertFromKafkaEvent(event events.KafkaEvent) ([]Record, []error) {
	partitions := make([]string, 0, len(event.Records))
	for p := range event.Records {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)

	var records []Record
	var errs []error
	for _, p := range partitions {
		batch := append([]events.KafkaRecord(nil), event.Records[p]...)
		sort.Slice(batch, func(i, j int) bool { return batch[i].Offset < batch[j].Offset })

		for _, kr := range batch {
			r, err := ConvertFromKafkaRecord(kr)
			if err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", r.ID(), err))
				continue
			}
			records = append(records, r)
		}
	}
	return records, errs
}
