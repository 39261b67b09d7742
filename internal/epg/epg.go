// SPDX-License-Identifier: MIT

// Package epg renders the electronic programme guide as XMLTV or JSON
// from a registry snapshot.
package epg

import (
	"encoding/xml"
	"strconv"
	"time"

	"github.com/librenetworks/amps/internal/model"
)

// xmltvDateLayout is the XMLTV <programme start="..."> format:
// "YYYYMMDDHHMMSS +0000".
const xmltvDateLayout = "20060102150405 -0700"

type tv struct {
	XMLName    xml.Name       `xml:"tv"`
	Channels   []xmlChannel   `xml:"channel"`
	Programmes []xmlProgramme `xml:"programme"`
}

type xmlChannel struct {
	ID          string   `xml:"id,attr"`
	DisplayName string   `xml:"display-name"`
	Icon        *xmlIcon `xml:"icon,omitempty"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlProgramme struct {
	Channel     string `xml:"channel,attr"`
	Start       string `xml:"start,attr"`
	Title       string `xml:"title"`
	Description string `xml:"desc,omitempty"`
}

// RenderXML produces a complete XMLTV document for channels: one
// <channel> per channel (id, display-name, icon) and one <programme>
// per upcoming-program entry that carries a start instant.
func RenderXML(channels []model.Channel) ([]byte, error) {
	doc := tv{}
	for _, ch := range channels {
		xc := xmlChannel{ID: channelID(ch), DisplayName: ch.Name}
		if ch.Logo != "" {
			xc.Icon = &xmlIcon{Src: ch.Logo}
		}
		doc.Channels = append(doc.Channels, xc)

		for _, p := range ch.Programs {
			if p.Start == nil {
				continue
			}
			doc.Programmes = append(doc.Programmes, xmlProgramme{
				Channel:     channelID(ch),
				Start:       p.Start.UTC().Format(xmltvDateLayout),
				Title:       p.Title,
				Description: p.Description,
			})
		}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	header := []byte(xml.Header)
	return append(header, out...), nil
}

// channelID prefers the channel's declared EPGID (the id external EPG
// providers cross-reference against), falling back to the integer id.
func channelID(ch model.Channel) string {
	if ch.EPGID != "" {
		return ch.EPGID
	}
	return strconv.Itoa(ch.ID)
}

// JSONChannel and JSONProgramme are the /api/epg JSON rendering shapes,
// a direct structural echo of the XMLTV elements for API consumers that
// would rather not parse XML.
type JSONChannel struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Icon        string          `json:"icon,omitempty"`
	Programmes  []JSONProgramme `json:"programmes,omitempty"`
}

type JSONProgramme struct {
	Start       time.Time `json:"start"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
}

// RenderJSON builds the /api/epg JSON body from a registry snapshot.
func RenderJSON(channels []model.Channel) []JSONChannel {
	out := make([]JSONChannel, 0, len(channels))
	for _, ch := range channels {
		jc := JSONChannel{ID: channelID(ch), DisplayName: ch.Name, Icon: ch.Logo}
		for _, p := range ch.Programs {
			if p.Start == nil {
				continue
			}
			jc.Programmes = append(jc.Programmes, JSONProgramme{
				Start:       *p.Start,
				Title:       p.Title,
				Description: p.Description,
			})
		}
		out = append(out, jc)
	}
	return out
}
