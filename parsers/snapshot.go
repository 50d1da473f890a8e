package parsers

// Envelope is the raw message published for every snapshot a user
// uploads.
type Envelope struct {
	User     int64    `json:"user"`
	Snapshot Snapshot `json:"snapshot"`
}

// Snapshot is one sample taken at Datetime (milliseconds since epoch).
// Absent parts are nil.
type Snapshot struct {
	Datetime   int64     `json:"datetime"`
	Pose       *Pose     `json:"pose,omitempty"`
	ColorImage *Image    `json:"color_image,omitempty"`
	DepthImage *Image    `json:"depth_image,omitempty"`
	Feelings   *Feelings `json:"feelings,omitempty"`
}

type Pose struct {
	Translation Translation `json:"translation"`
	Rotation    Rotation    `json:"rotation"`
}

type Translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Image carries raw pixels. Data is base64 in JSON.
type Image struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data,omitempty"`
}

type Feelings struct {
	Hunger     float64 `json:"hunger"`
	Thirst     float64 `json:"thirst"`
	Exhaustion float64 `json:"exhaustion"`
	Happiness  float64 `json:"happiness"`
}

// Result is what every parser publishes and every saver consumes.
type Result struct {
	User      int64 `json:"user"`
	Timestamp int64 `json:"timestamp"`
	Result    any   `json:"result"`
}

// ImageInfo describes an image without its pixels.
type ImageInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Bytes  int `json:"bytes"`
}
