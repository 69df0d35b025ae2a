package amqputil

import (
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const HeaderRetryCount = "x-retry-count"

// RetryCount reads the retry header stamped by the consumer on republish.
func RetryCount(headers amqp091.Table) int {
	n, _ := HeaderInt(headers, HeaderRetryCount)
	return int(n)
}

// HeaderInt reads an integer header regardless of the AMQP integer width the
// producer chose.
func HeaderInt(headers amqp091.Table, key string) (int64, bool) {
	if headers == nil {
		return 0, false
	}
	switch v := headers[key].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case time.Time:
		return v.UnixMilli(), true
	default:
		return 0, false
	}
}

func copyHeaders(headers amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
