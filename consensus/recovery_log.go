package consensus

import (
	dbm "github.com/tendermint/tm-db"
)

// recoveryLogKey holds the round saved once this node sent its commit.
var recoveryLogKey = []byte{0xf4}

type recoveryLog struct {
	db dbm.DB
}

func newRecoveryLog(db dbm.DB) *recoveryLog {
	return &recoveryLog{db: db}
}

func (l *recoveryLog) Save(bz []byte) error {
	return l.db.SetSync(recoveryLogKey, bz)
}

// Load returns nil when nothing was saved.
func (l *recoveryLog) Load() ([]byte, error) {
	return l.db.Get(recoveryLogKey)
}

func (l *recoveryLog) Clear() error {
	return l.db.DeleteSync(recoveryLogKey)
}
