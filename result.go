package monetdriver

type monetResult struct {
	affectedRows int64
	lastInsertID int64
}

func (res *monetResult) LastInsertId() (int64, error) {
	return res.lastInsertID, nil
}

func (res *monetResult) RowsAffected() (int64, error) {
	return res.affectedRows, nil
}
