package orders

import (
	"github.com/google/uuid"
	"strconv"
	"strings"
	"time"
)

// NewCode returns "<unix millis>.<4 upper hex chars>". Uniqueness is enforced
// by the store, not by the random suffix.
func NewCode(now time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:4])
	return strconv.FormatInt(now.UnixMilli(), 10) + "." + suffix
}
