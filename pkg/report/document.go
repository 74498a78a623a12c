package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/structs"
)

const (
	jobSectionPrefix  = "jobstatus:"
	destSectionPrefix = "dest:"
)

// Encode renders a snapshot as a status document.
//
// The document is a flat ini file: one `jobstatus:<name>` section and one
// `dest:<name>` section per destination. It doubles as the substrate of the
// cross host marker protocol.
func Encode(r *structs.JobReport) ([]byte, error) {
	doc := ini.Empty()

	js, err := doc.NewSection(jobSectionPrefix + r.Name)
	if err != nil {
		return nil, err
	}
	for _, kv := range [][2]string{
		{"host", r.Host},
		{"name", r.Name},
		{"instance", r.Instance},
		{"master_host", r.MasterHost},
		{"master_instance", r.MasterInstance},
		{"direction", string(r.Direction)},
		{"start_time", r.StartTime.Format(docTimeLayout)},
		{"step", string(r.Step)},
		{"status", string(r.Status)},
		{"data_age", r.DataAge},
	} {
		if _, err := js.NewKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}

	for _, d := range r.Destinations {
		ds, err := doc.NewSection(destSectionPrefix + d.Name)
		if err != nil {
			return nil, err
		}
		for _, kv := range [][2]string{
			{"type", string(d.Type)},
			{"path", d.Path},
			{"status", string(d.Status)},
		} {
			if _, err := ds.NewKey(kv[0], kv[1]); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	_, err = doc.WriteTo(&buf)
	return buf.Bytes(), err
}

// Decode parses a status document written by Encode.
func Decode(data []byte) (*structs.JobReport, error) {
	doc, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrNoReport, err)
	}

	var r *structs.JobReport
	dests := []*structs.DestReport{}
	for _, sec := range doc.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, jobSectionPrefix):
			if r != nil {
				return nil, fmt.Errorf("%w: more than one job section", errors.ErrNoReport)
			}
			start, err := time.ParseInLocation(docTimeLayout, sec.Key("start_time").String(), time.Local)
			if err != nil {
				return nil, fmt.Errorf("%w: bad start_time: %v", errors.ErrNoReport, err)
			}
			r = &structs.JobReport{
				Direction:      structs.Direction(sec.Key("direction").String()),
				Name:           sec.Key("name").String(),
				Host:           sec.Key("host").String(),
				Instance:       sec.Key("instance").String(),
				MasterHost:     sec.Key("master_host").String(),
				MasterInstance: sec.Key("master_instance").String(),
				StartTime:      start,
				Step:           structs.ToStep(sec.Key("step").String()),
				Status:         structs.ToStatus(sec.Key("status").String()),
				DataAge:        sec.Key("data_age").String(),
			}
		case strings.HasPrefix(name, destSectionPrefix):
			dests = append(dests, &structs.DestReport{
				Name:   strings.TrimPrefix(name, destSectionPrefix),
				Type:   structs.DestType(sec.Key("type").String()),
				Path:   sec.Key("path").String(),
				Status: structs.ToCopyStatus(sec.Key("status").String()),
			})
		}
	}
	if r == nil {
		return nil, fmt.Errorf("%w: no job section", errors.ErrNoReport)
	}
	r.Destinations = dests
	return r, nil
}
