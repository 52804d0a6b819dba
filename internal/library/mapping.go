package library

import "chordauth/pkg/spotify"

func firstImage(images []spotify.Image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}

func mapTrack(t spotify.Track) Item {
	artists := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		artists = append(artists, a.Name)
	}
	return Item{
		ID:       t.ID,
		Name:     t.Name,
		Artists:  artists,
		Album:    t.Album.Name,
		ImageURL: firstImage(t.Album.Images),
	}
}

func mapPlaylists(in []spotify.Playlist) []Item {
	out := make([]Item, 0, len(in))
	for _, p := range in {
		out = append(out, Item{
			ID:       p.ID,
			Name:     p.Name,
			ImageURL: firstImage(p.Images),
			Tracks:   p.Tracks.Total,
		})
	}
	return out
}

func mapSaved(in []spotify.SavedTrack) []Item {
	out := make([]Item, 0, len(in))
	for _, s := range in {
		item := mapTrack(s.Track)
		item.At = s.AddedAt
		out = append(out, item)
	}
	return out
}

func mapRecent(in []spotify.PlayHistory) []Item {
	out := make([]Item, 0, len(in))
	for _, h := range in {
		item := mapTrack(h.Track)
		item.At = h.PlayedAt
		out = append(out, item)
	}
	return out
}
