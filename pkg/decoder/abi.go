package decoder

// EscrowABI is the event interface of the escrow contract.
const EscrowABI = `[
{"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"buyer","type":"address","indexed":true},
 {"name":"seller","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false},
 {"name":"deliveryDeadline","type":"uint256","indexed":false}]},
{"type":"event","name":"EscrowFunded","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"DocumentsUploaded","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"documentHash","type":"bytes32","indexed":false},
 {"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"DeliveryConfirmed","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"PaymentReleased","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"recipient","type":"address","indexed":false},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"EscrowCancelled","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true}]},
{"type":"event","name":"DisputeInitiated","anonymous":false,"inputs":[
 {"name":"escrowId","type":"bytes32","indexed":true},
 {"name":"initiator","type":"address","indexed":false},
 {"name":"reason","type":"string","indexed":false}]}
]`
