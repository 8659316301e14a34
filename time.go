package varquery

import (
	"fmt"
	"time"
)

// Time facilitates time parsing from the array_info table, because sqlite
// drivers hand timestamps back as unixtime integers or as text depending on
// how the row was written.
type Time time.Time

func (t *Time) Scan(v interface{}) error {
	switch which := v.(type) {
	case int64:
		*t = Time(time.Unix(which, 0))
		return nil
	case int:
		*t = Time(time.Unix(int64(which), 0))
		return nil
	case []byte:
		vt, err := time.Parse("2006-01-02 15:04:05", string(which))
		if err != nil {
			return err
		}
		*t = Time(vt)
		return nil
	case nil:
		*t = Time(time.Time{})
		return nil
	}

	return fmt.Errorf("no appropriate type could be found to decode %v", v)
}
