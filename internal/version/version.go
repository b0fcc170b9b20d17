package version

// ビルド時に -ldflags で上書きされる
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info はバージョン情報
type Info struct {
	Version string
	Commit  string
	Date    string
}

// Get は現在のバージョン情報を返す
func Get() Info {
	return Info{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}
