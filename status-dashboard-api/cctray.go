package main

import (
	"encoding/xml"
	"io"

	"buildstatus/shared/status"
)

// cctrayProjects is the CCTray feed read by CCMenu, CCTray and build monitors.
type cctrayProjects struct {
	XMLName  xml.Name        `xml:"Projects"`
	Projects []cctrayProject `xml:"Project"`
}

type cctrayProject struct {
	Name            string `xml:"name,attr"`
	Activity        string `xml:"activity,attr"`
	LastBuildLabel  string `xml:"lastBuildLabel,attr"`
	LastBuildStatus string `xml:"lastBuildStatus,attr"`
	LastBuildTime   string `xml:"lastBuildTime,attr"`
	WebURL          string `xml:"webUrl,attr"`
}

func writeCCTray(w io.Writer, summaries []status.Summary) error {
	feed := cctrayProjects{Projects: make([]cctrayProject, 0, len(summaries))}
	for _, s := range summaries {
		feed.Projects = append(feed.Projects, cctrayProject{
			Name:            s.Name,
			Activity:        string(s.Activity),
			LastBuildLabel:  s.LastBuildLabel,
			LastBuildStatus: s.LastBuildStatus,
			LastBuildTime:   s.LastBuildTime,
			WebURL:          s.WebURL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(feed)
}
