package vector

import (
	"bufio"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// record is the on-disk form of a NamedVector: one JSON object per line
// with entries as [index, value] pairs in ascending index order.
type record struct {
	Name      string       `json:"name"`
	Dimension int          `json:"dimension"`
	Entries   [][2]float64 `json:"entries"`
}

// Encoder writes vectors as JSON lines.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w. Call Flush when done.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one vector record.
func (e *Encoder) Encode(v *NamedVector) error {
	rec := record{Name: v.Name, Dimension: v.Dimension}
	for _, i := range v.Indices() {
		rec.Entries = append(rec.Entries, [2]float64{float64(i), v.Entries[i]})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal vector %s: %w", v.Name, err)
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

// Flush flushes buffered records.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads JSON-line vector records.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scanner: s}
}

// Next decodes the next record. It returns io.EOF when the input is exhausted.
func (d *Decoder) Next() (*NamedVector, error) {
	for d.scanner.Scan() {
		d.line++
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: decode vector: %w", d.line, err)
		}
		v := New(rec.Name, rec.Dimension)
		for _, e := range rec.Entries {
			v.Entries[int(e[0])] = e[1]
		}
		return v, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadAll decodes every record from r.
func ReadAll(r io.Reader) ([]*NamedVector, error) {
	dec := NewDecoder(r)
	var out []*NamedVector
	for {
		v, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
