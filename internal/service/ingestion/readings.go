package ingestion

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"delta-append/internal/datafile"
	"delta-append/internal/domain"
)

// Fixed sensor position reported by every example reading.
const (
	SensorLat  = 39.61940984546992
	SensorLong = -119.22916208856955

	baseTempF = 72
)

// DefaultReadingCount is the number of readings FetchReadings produces by default.
const DefaultReadingCount = 5

// WeatherReading is one sample from a small weather sensor.
type WeatherReading struct {
	Timestamp time.Time `json:"timestamp"`
	Temp      int32     `json:"temp"` // degrees Fahrenheit
	Lat       float64   `json:"lat"`
	Long      float64   `json:"long"`
}

// WeatherSchema is the table schema the example readings are written to.
func WeatherSchema() domain.Schema {
	return domain.Schema{Fields: []domain.Field{
		{Name: "timestamp", Type: domain.TypeTimestamp, Nullable: true},
		{Name: "temp", Type: domain.TypeInteger, Nullable: true},
		{Name: "lat", Type: domain.TypeDouble, Nullable: true},
		{Name: "long", Type: domain.TypeDouble, Nullable: true},
	}}
}

// FetchReadings returns n readings taken at now with temperatures falling
// one degree per reading from 71°F.
func FetchReadings(now time.Time, n int) []WeatherReading {
	out := make([]WeatherReading, 0, max(n, 0))
	for i := 1; i <= n; i++ {
		out = append(out, WeatherReading{
			Timestamp: now.UTC(),
			Temp:      int32(baseTempF - i),
			Lat:       SensorLat,
			Long:      SensorLong,
		})
	}
	return out
}

// ToRows converts readings into rows keyed by WeatherSchema column names.
func ToRows(readings []WeatherReading) []domain.Row {
	rows := make([]domain.Row, len(readings))
	for i, r := range readings {
		rows[i] = domain.Row{"timestamp": r.Timestamp, "temp": r.Temp, "lat": r.Lat, "long": r.Long}
	}
	return rows
}

// ReadingsRecord lays readings out column by column as an Arrow record
// matching WeatherSchema. The caller must release the record.
func ReadingsRecord(mem memory.Allocator, readings []WeatherReading) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	schema, err := datafile.ArrowSchema(WeatherSchema())
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	ts := b.Field(0).(*array.TimestampBuilder)
	temp := b.Field(1).(*array.Int32Builder)
	lat := b.Field(2).(*array.Float64Builder)
	long := b.Field(3).(*array.Float64Builder)
	for _, r := range readings {
		ts.Append(arrow.Timestamp(r.Timestamp.UnixMicro()))
		temp.Append(r.Temp)
		lat.Append(r.Lat)
		long.Append(r.Long)
	}
	return b.NewRecord(), nil
}
