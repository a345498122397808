package orders

const (
	TopicOrderCreated       = "order.created"
	TopicOrderItemsReplaced = "order.items.replaced"
	TopicOrderStatusChanged = "order.status.changed"
	TopicOrderDeleted       = "order.deleted"
	TopicCredentialsStocked = "inventory.credentials.stocked"
)

// Partition key = order id, so every event of one order keeps its order.
func PartitionKey(id int64) []byte { return []byte(strconvI(id)) }
